package dhcpclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/linkingthing/cement/log"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

const (
	DefaultProbeTimeout      = 3 * time.Second
	MaxUDPReceivedPacketSize = 8192
)

var ErrNoHardwareAddr = errors.New("interface has no hardware address")

// Prober broadcasts a DISCOVER on one interface and collects the server
// identifiers of every OFFER that answers it.
type Prober struct {
	iface   net.Interface
	timeout time.Duration
}

func NewProber(ifname string, timeout time.Duration) (*Prober, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, err
	}

	if len(iface.HardwareAddr) == 0 {
		return nil, ErrNoHardwareAddr
	}

	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	return &Prober{iface: *iface, timeout: timeout}, nil
}

// Probe returns the distinct servers that offered an address, in the order
// their offers arrived.
func (p *Prober) Probe(ctx context.Context) ([]netip.Addr, error) {
	discover, err := dhcpv4.NewDiscovery(p.iface.HardwareAddr, dhcpv4.WithBroadcast(true))
	if err != nil {
		return nil, err
	}

	packet, err := makeRawUDPPacket(discover.ToBytes())
	if err != nil {
		return nil, fmt.Errorf("make raw udp packet failed: %s", err.Error())
	}

	sendfd, err := makeBroadcastSocket(p.iface.Name)
	if err != nil {
		return nil, fmt.Errorf("make broadcast socket failed: %s", err.Error())
	}
	defer closeSocket(sendfd)

	recvfd, err := makeListeningSocket(p.iface.Index)
	if err != nil {
		return nil, fmt.Errorf("make listening socket failed: %s", err.Error())
	}
	defer closeSocket(recvfd)

	timeout := unix.NsecToTimeval(p.timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(recvfd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &timeout); err != nil {
		return nil, err
	}

	remote := unix.SockaddrInet4{Port: dhcpv4.ServerPort}
	copy(remote.Addr[:], net.IPv4bcast.To4())
	if err := unix.Sendto(sendfd, packet, 0, &remote); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(p.timeout)
	var servers []netip.Addr
	buf := make([]byte, MaxUDPReceivedPacketSize)
	for time.Now().Before(deadline) && ctx.Err() == nil {
		n, _, err := unix.Recvfrom(recvfd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				break
			}
			return servers, err
		}

		if server, ok := offerServer(buf[:n], discover.TransactionID); ok {
			servers = appendServer(servers, server)
		}
	}

	return servers, nil
}

// offerServer extracts the server identifier from a raw ip datagram when it
// carries an offer for xid.
func offerServer(datagram []byte, xid dhcpv4.TransactionID) (netip.Addr, bool) {
	var header ipv4.Header
	if err := header.Parse(datagram); err != nil || header.Protocol != unix.IPPROTO_UDP {
		return netip.Addr{}, false
	}

	if len(datagram) < header.Len+8 {
		return netip.Addr{}, false
	}

	udp := datagram[header.Len:]
	if int(binary.BigEndian.Uint16(udp[0:2])) != dhcpv4.ServerPort ||
		int(binary.BigEndian.Uint16(udp[2:4])) != dhcpv4.ClientPort {
		return netip.Addr{}, false
	}

	end := int(binary.BigEndian.Uint16(udp[4:6]))
	if end < 8 || end > len(udp) {
		return netip.Addr{}, false
	}

	offer, err := dhcpv4.FromBytes(udp[8:end])
	if err != nil {
		log.Debugf("drop malformed dhcp reply: %s", err.Error())
		return netip.Addr{}, false
	}

	if offer.TransactionID != xid || offer.OpCode != dhcpv4.OpcodeBootReply ||
		offer.MessageType() != dhcpv4.MessageTypeOffer {
		return netip.Addr{}, false
	}

	server, ok := netip.AddrFromSlice(offer.ServerIdentifier().To4())
	return server, ok
}

func appendServer(servers []netip.Addr, server netip.Addr) []netip.Addr {
	for _, s := range servers {
		if s == server {
			return servers
		}
	}

	return append(servers, server)
}

func closeSocket(fd int) {
	if err := unix.Close(fd); err != nil {
		log.Debugf("close socket %d failed: %s", fd, err.Error())
	}
}

func makeBroadcastSocket(ifname string) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return fd, err
	}

	for _, opt := range []struct{ level, name int }{
		{unix.SOL_SOCKET, unix.SO_REUSEADDR},
		{unix.IPPROTO_IP, unix.IP_HDRINCL},
		{unix.SOL_SOCKET, unix.SO_BROADCAST},
	} {
		if err := unix.SetsockoptInt(fd, opt.level, opt.name, 1); err != nil {
			closeSocket(fd)
			return -1, err
		}
	}

	if err := unix.BindToDevice(fd, ifname); err != nil {
		closeSocket(fd)
		return -1, err
	}

	return fd, nil
}

func makeListeningSocket(ifIndex int) (int, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM, int(htons(unix.ETH_P_IP)))
	if err != nil {
		return fd, err
	}

	if err := unix.Bind(fd, &unix.SockaddrLinklayer{
		Ifindex:  ifIndex,
		Protocol: htons(unix.ETH_P_IP),
	}); err != nil {
		closeSocket(fd)
		return -1, err
	}

	return fd, nil
}

func htons(v uint16) uint16 {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return binary.LittleEndian.Uint16(tmp[:])
}

func makeRawUDPPacket(payload []byte) ([]byte, error) {
	udp := make([]byte, 8)
	binary.BigEndian.PutUint16(udp[:2], uint16(dhcpv4.ClientPort))
	binary.BigEndian.PutUint16(udp[2:4], uint16(dhcpv4.ServerPort))
	binary.BigEndian.PutUint16(udp[4:6], uint16(8+len(payload)))

	h := ipv4.Header{
		Version:  4,
		Len:      ipv4.HeaderLen,
		TotalLen: ipv4.HeaderLen + len(udp) + len(payload),
		TTL:      64,
		Protocol: unix.IPPROTO_UDP,
		Dst:      net.IPv4bcast,
		Src:      net.IPv4zero,
	}
	ret, err := h.Marshal()
	if err != nil {
		return nil, err
	}

	ret = append(ret, udp...)
	return append(ret, payload...), nil
}
