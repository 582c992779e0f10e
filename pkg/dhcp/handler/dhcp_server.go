package handler

import (
	"context"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"
	"github.com/linkingthing/cement/log"

	"github.com/linkingthing/clxone-homedhcp/config"
	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/service"
	"github.com/linkingthing/clxone-homedhcp/pkg/util"
)

// DHCPServer serves dhcpv4 on one interface.
type DHCPServer struct {
	iface   string
	handler *PacketHandler
}

func NewDHCPServer(conf config.ListenerConf, dhcpService *service.DHCPService) (*DHCPServer, error) {
	serverID, subnet, err := util.ParseInterfaceAddrV4(conf.Address)
	if err != nil {
		return nil, err
	}

	return &DHCPServer{
		iface:   conf.Interface,
		handler: NewPacketHandler(dhcpService, serverID, subnet),
	}, nil
}

// Run blocks serving requests until ctx is done.
func (s *DHCPServer) Run(ctx context.Context) error {
	server, err := server4.NewServer(s.iface,
		&net.UDPAddr{IP: net.IPv4zero, Port: dhcpv4.ServerPort}, s.serve)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		server.Close()
	}()

	log.Infof("dhcp server listen on %s %s", s.iface, s.handler.serverID)
	if err := server.Serve(); err != nil && ctx.Err() == nil {
		return err
	}

	return nil
}

func (s *DHCPServer) serve(conn net.PacketConn, peer net.Addr, req *dhcpv4.DHCPv4) {
	resp, err := s.handler.Handle(req)
	if err != nil {
		log.Warnf("handle %s from %s failed: %s", req.MessageType(), req.ClientHWAddr, err.Error())
		return
	} else if resp == nil {
		return
	}

	if _, err := conn.WriteTo(resp.ToBytes(), replyPeer(req, resp, peer)); err != nil {
		log.Warnf("send %s to %s failed: %s", resp.MessageType(), req.ClientHWAddr, err.Error())
	}
}

// replyPeer picks the reply destination: the relay agent when there is one,
// the client address when it already has one, otherwise broadcast.
func replyPeer(req, resp *dhcpv4.DHCPv4, peer net.Addr) net.Addr {
	if req.GatewayIPAddr != nil && !req.GatewayIPAddr.IsUnspecified() {
		return &net.UDPAddr{IP: req.GatewayIPAddr, Port: dhcpv4.ServerPort}
	} else if resp.MessageType() == dhcpv4.MessageTypeNak {
		return &net.UDPAddr{IP: net.IPv4bcast, Port: dhcpv4.ClientPort}
	} else if req.ClientIPAddr != nil && !req.ClientIPAddr.IsUnspecified() {
		return &net.UDPAddr{IP: req.ClientIPAddr, Port: dhcpv4.ClientPort}
	} else if req.IsBroadcast() {
		return &net.UDPAddr{IP: net.IPv4bcast, Port: dhcpv4.ClientPort}
	}

	if udpPeer, ok := peer.(*net.UDPAddr); ok && !udpPeer.IP.IsUnspecified() {
		return udpPeer
	}

	return &net.UDPAddr{IP: net.IPv4bcast, Port: dhcpv4.ClientPort}
}
