package util

import (
	"net"
	"net/netip"

	gohelperip "github.com/cuityhj/gohelper/ip"
	"go4.org/netipx"

	"github.com/linkingthing/clxone-homedhcp/pkg/errorno"
)

func ParseIPv4(ipstr string) (netip.Addr, error) {
	ipv4, err := gohelperip.ParseIPv4(ipstr)
	if err != nil {
		return netip.Addr{}, errorno.ErrInvalidParams(errorno.ErrNameIpv4, ipstr)
	}

	return IPv4FromStd(ipv4)
}

func IPv4FromStd(ip net.IP) (netip.Addr, error) {
	if ip4 := ip.To4(); ip4 != nil {
		if addr, ok := netip.AddrFromSlice(ip4); ok {
			return addr.Unmap(), nil
		}
	}

	return netip.Addr{}, errorno.ErrInvalidParams(errorno.ErrNameIpv4, ip.String())
}

// ParsePrefixV4 rejects prefixes whose address carries host bits, the same
// way a subnet is validated before it is accepted anywhere else.
func ParsePrefixV4(prefix string) (netip.Prefix, error) {
	ipnet, err := gohelperip.ParseCIDRv4(prefix)
	if err != nil {
		return netip.Prefix{}, errorno.ErrInvalidSubnet(prefix, err.Error())
	}

	ip, _, err := net.ParseCIDR(prefix)
	if err != nil {
		return netip.Prefix{}, errorno.ErrInvalidSubnet(prefix, err.Error())
	} else if ip.Equal(ipnet.IP) == false {
		return netip.Prefix{}, errorno.ErrInvalidSubnet(prefix,
			"ip "+ip.String()+" don`t match mask size")
	}

	p, ok := netipx.FromStdIPNet(ipnet)
	if !ok || !p.Addr().Is4() {
		return netip.Prefix{}, errorno.ErrInvalidSubnet(prefix, "not ipv4 prefix")
	}

	return p, nil
}

// ParseInterfaceAddrV4 splits an interface address such as 192.0.2.254/24
// into the address and the subnet it sits in.
func ParseInterfaceAddrV4(addr string) (netip.Addr, netip.Prefix, error) {
	ip, ipnet, err := net.ParseCIDR(addr)
	if err != nil {
		return netip.Addr{}, netip.Prefix{}, errorno.ErrInvalidParams(errorno.ErrNameAddress, addr)
	}

	ipv4, err := IPv4FromStd(ip)
	if err != nil {
		return netip.Addr{}, netip.Prefix{}, err
	}

	subnet, err := ParsePrefixV4(ipnet.String())
	if err != nil {
		return netip.Addr{}, netip.Prefix{}, err
	}

	return ipv4, subnet, nil
}

// PrefixContainsPrefix reports whether sub lies entirely inside parent.
func PrefixContainsPrefix(parent, sub netip.Prefix) bool {
	return parent.IsValid() && sub.IsValid() &&
		parent.Bits() <= sub.Bits() && parent.Contains(sub.Addr())
}

// HostRange is the usable host range of an IPv4 prefix: network and broadcast
// are excluded unless the prefix is a /31 or /32.
func HostRange(prefix netip.Prefix) netipx.IPRange {
	r := netipx.RangeOfPrefix(prefix)
	if prefix.Bits() >= 31 {
		return r
	}

	return netipx.IPRangeFrom(r.From().Next(), r.To().Prev())
}

func IPv4ToUint32(ip netip.Addr) uint32 {
	b := ip.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func IPv4FromUint32(val uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(val >> 24), byte(val >> 16), byte(val >> 8), byte(val)})
}
