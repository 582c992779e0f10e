package resource

import (
	"net"
	"net/netip"
)

// RequestContext is what the protocol layer extracts from one inbound packet.
// RequestedAddress is the requested ip address option of a discover, the zero
// Addr when absent.
type RequestContext struct {
	HwAddress        net.HardwareAddr
	Subnet           netip.Prefix
	RequestedAddress netip.Addr
	RequestedOptions map[OptionID]struct{}
	ReceivedOptions  map[OptionID]OptionValue
}

func NewRequestContext(hw net.HardwareAddr, subnet netip.Prefix) *RequestContext {
	return &RequestContext{
		HwAddress:        hw,
		Subnet:           subnet,
		RequestedOptions: make(map[OptionID]struct{}),
		ReceivedOptions:  make(map[OptionID]OptionValue),
	}
}

func (r *RequestContext) Request(ids ...OptionID) *RequestContext {
	for _, id := range ids {
		r.RequestedOptions[id] = struct{}{}
	}
	return r
}

func (r *RequestContext) Receive(id OptionID, value OptionValue) *RequestContext {
	r.ReceivedOptions[id] = value
	return r
}

func (r *RequestContext) RequestAddress(addr netip.Addr) *RequestContext {
	r.RequestedAddress = addr
	return r
}
