package resource

import (
	"net"
	"net/netip"

	"go4.org/netipx"

	"github.com/linkingthing/clxone-homedhcp/pkg/util"
)

type MatchKind uint8

const (
	MatchKindSubnet MatchKind = iota + 1
	MatchKindHardwareAddress
	MatchKindOptionEquals
)

type MatchCondition struct {
	Kind      MatchKind
	Prefix    netip.Prefix
	HwAddress net.HardwareAddr
	OptionID  OptionID
	Value     OptionValue
}

func MatchSubnet(prefix netip.Prefix) MatchCondition {
	return MatchCondition{Kind: MatchKindSubnet, Prefix: prefix}
}

func MatchHardwareAddress(hw net.HardwareAddr) MatchCondition {
	return MatchCondition{Kind: MatchKindHardwareAddress, HwAddress: hw}
}

func MatchOptionEquals(id OptionID, value OptionValue) MatchCondition {
	return MatchCondition{Kind: MatchKindOptionEquals, OptionID: id, Value: value}
}

// Matches reports whether the request satisfies the condition. An option
// condition fails when the client did not send the option at all.
func (c MatchCondition) Matches(ctx *RequestContext) bool {
	switch c.Kind {
	case MatchKindSubnet:
		return util.PrefixContainsPrefix(c.Prefix, ctx.Subnet)
	case MatchKindHardwareAddress:
		return len(ctx.HwAddress) != 0 && string(c.HwAddress) == string(ctx.HwAddress)
	case MatchKindOptionEquals:
		if value, ok := ctx.ReceivedOptions[c.OptionID]; ok {
			return c.Value.Equal(value)
		}
		return false
	default:
		return false
	}
}

func (c MatchCondition) String() string {
	switch c.Kind {
	case MatchKindSubnet:
		return "subnet " + c.Prefix.String()
	case MatchKindHardwareAddress:
		return "hardware-address " + c.HwAddress.String()
	case MatchKindOptionEquals:
		return DefaultOptionRegistry().Name(c.OptionID) + "=" + c.Value.String()
	default:
		return "unknown"
	}
}

type AddressKind uint8

const (
	AddressKindSingle AddressKind = iota + 1
	AddressKindSubnet
	AddressKindRange
)

type AddressSpec struct {
	Kind    AddressKind
	Address netip.Addr
	Prefix  netip.Prefix
	Range   netipx.IPRange
}

func SingleAddress(ip netip.Addr) AddressSpec {
	return AddressSpec{Kind: AddressKindSingle, Address: ip}
}

func SubnetAddresses(prefix netip.Prefix) AddressSpec {
	return AddressSpec{Kind: AddressKindSubnet, Prefix: prefix}
}

func RangeAddresses(start, end netip.Addr) AddressSpec {
	return AddressSpec{Kind: AddressKindRange, Range: netipx.IPRangeFrom(start, end)}
}

// HostRange is the inclusive range of addresses this declaration hands out.
func (a AddressSpec) HostRange() netipx.IPRange {
	switch a.Kind {
	case AddressKindSingle:
		return netipx.IPRangeFrom(a.Address, a.Address)
	case AddressKindSubnet:
		return util.HostRange(a.Prefix)
	case AddressKindRange:
		return a.Range
	default:
		return netipx.IPRange{}
	}
}

func (a AddressSpec) String() string {
	switch a.Kind {
	case AddressKindSingle:
		return a.Address.String()
	case AddressKindSubnet:
		return a.Prefix.String()
	case AddressKindRange:
		return a.Range.String()
	default:
		return ""
	}
}

// Policy is one node of the policy tree. Options and Addresses hold only what
// is declared at this node; nothing is copied down from ancestors.
type Policy struct {
	Name      string
	Matches   []MatchCondition
	Options   map[OptionID]OptionValue
	Addresses []AddressSpec
	Policies  []*Policy
}
