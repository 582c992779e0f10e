package handler

import (
	"net"
	"net/netip"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/linkingthing/cement/log"

	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/resource"
	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/service"
	"github.com/linkingthing/clxone-homedhcp/pkg/errorno"
	"github.com/linkingthing/clxone-homedhcp/pkg/util"
)

// PacketHandler maps dhcpv4 packets received on one listener onto the
// DHCPService and builds the replies.
type PacketHandler struct {
	dhcpService *service.DHCPService
	serverID    netip.Addr
	subnet      netip.Prefix
}

func NewPacketHandler(dhcpService *service.DHCPService, serverID netip.Addr, subnet netip.Prefix) *PacketHandler {
	return &PacketHandler{
		dhcpService: dhcpService,
		serverID:    serverID,
		subnet:      subnet,
	}
}

// RequestContext extracts what evaluation needs from req, decoding options
// with registry. A relayed request is placed in the /32 of its relay agent
// address, anything else in the listener subnet.
func (h *PacketHandler) RequestContext(req *dhcpv4.DHCPv4, registry *resource.OptionRegistry) *resource.RequestContext {
	subnet := h.subnet
	if giaddr, err := util.IPv4FromStd(req.GatewayIPAddr); err == nil && !giaddr.IsUnspecified() {
		subnet = netip.PrefixFrom(giaddr, 32)
	}

	ctx := resource.NewRequestContext(req.ClientHWAddr, subnet)
	for _, code := range req.ParameterRequestList() {
		ctx.Request(resource.OptionID(code.Code()))
	}

	for code, data := range req.Options {
		if value, ok := registry.Decode(resource.OptionID(code), data); ok {
			ctx.Receive(resource.OptionID(code), value)
		}
	}

	if requested, err := util.IPv4FromStd(req.RequestedIPAddress()); err == nil && !requested.IsUnspecified() {
		ctx.RequestAddress(requested)
	}

	return ctx
}

// snapshot pins the policy snapshot one packet is answered from.
func (h *PacketHandler) snapshot(req *dhcpv4.DHCPv4) (*service.Snapshot, bool) {
	snapshot := h.dhcpService.Snapshots().Load()
	if snapshot == nil {
		log.Debugf("drop %s from %s: no policy snapshot loaded", req.MessageType(), req.ClientHWAddr)
		return nil, false
	}

	return snapshot, true
}

// Handle returns the reply for req, or nil when req gets no answer.
func (h *PacketHandler) Handle(req *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	if req.OpCode != dhcpv4.OpcodeBootRequest {
		return nil, nil
	}

	switch req.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		return h.handleDiscover(req)
	case dhcpv4.MessageTypeRequest:
		return h.handleRequest(req)
	case dhcpv4.MessageTypeRelease:
		h.handleRelease(req)
	case dhcpv4.MessageTypeDecline:
		h.handleDecline(req)
	default:
		log.Debugf("ignore %s from %s", req.MessageType(), req.ClientHWAddr)
	}

	return nil, nil
}

func (h *PacketHandler) handleDiscover(req *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	snapshot, ok := h.snapshot(req)
	if !ok {
		return nil, nil
	}

	decision, err := h.dhcpService.OfferOn(snapshot, h.RequestContext(req, snapshot.Registry))
	if err != nil || decision == nil {
		return nil, nil
	}

	return h.reply(req, dhcpv4.MessageTypeOffer, decision)
}

func (h *PacketHandler) handleRequest(req *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	if serverID := req.ServerIdentifier(); serverID != nil && !serverID.Equal(net.IP(h.serverID.AsSlice())) {
		// client selected another server's offer
		return nil, nil
	}

	requested := req.RequestedIPAddress()
	if requested == nil || requested.IsUnspecified() {
		requested = req.ClientIPAddr
	}

	addr, err := util.IPv4FromStd(requested)
	if err != nil || addr.IsUnspecified() {
		return h.nak(req)
	}

	snapshot, ok := h.snapshot(req)
	if !ok {
		return nil, nil
	}

	decision, err := h.dhcpService.RequestOn(snapshot, h.RequestContext(req, snapshot.Registry), addr)
	if err != nil {
		if errorno.IsAllocationError(err) {
			return h.nak(req)
		}
		return nil, err
	} else if decision == nil {
		return nil, nil
	}

	return h.reply(req, dhcpv4.MessageTypeAck, decision)
}

func (h *PacketHandler) handleRelease(req *dhcpv4.DHCPv4) {
	addr, err := util.IPv4FromStd(req.ClientIPAddr)
	if err != nil {
		return
	}

	if !h.dhcpService.Release(req.ClientHWAddr, addr) {
		log.Debugf("release of %s by %s matched no lease", addr, req.ClientHWAddr)
	}
}

func (h *PacketHandler) handleDecline(req *dhcpv4.DHCPv4) {
	addr, err := util.IPv4FromStd(req.RequestedIPAddress())
	if err != nil {
		return
	}

	if h.dhcpService.Decline(req.ClientHWAddr, addr) {
		log.Warnf("client %s declined %s, address quarantined", req.ClientHWAddr, addr)
	}
}

func (h *PacketHandler) reply(req *dhcpv4.DHCPv4, msgType dhcpv4.MessageType, decision *service.Decision) (*dhcpv4.DHCPv4, error) {
	resp, err := dhcpv4.NewReplyFromRequest(req,
		dhcpv4.WithMessageType(msgType),
		dhcpv4.WithYourIP(net.IP(decision.Lease.Address.AsSlice())),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(net.IP(h.serverID.AsSlice()))),
	)
	if err != nil {
		return nil, err
	}

	for id, value := range decision.Options {
		if data := decision.Registry.Encode(id, value); len(data) != 0 {
			resp.Options.Update(dhcpv4.OptGeneric(dhcpv4.GenericOptionCode(id), data))
		}
	}

	resp.Options.Update(dhcpv4.OptIPAddressLeaseTime(decision.LeaseTime))
	return resp, nil
}

func (h *PacketHandler) nak(req *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, error) {
	return dhcpv4.NewReplyFromRequest(req,
		dhcpv4.WithMessageType(dhcpv4.MessageTypeNak),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(net.IP(h.serverID.AsSlice()))),
	)
}
