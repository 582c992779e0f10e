package resource

import (
	"fmt"
	"math"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/u-root/uio/uio"

	"github.com/linkingthing/clxone-homedhcp/pkg/errorno"
	"github.com/linkingthing/clxone-homedhcp/pkg/util"
)

type OptionID uint8

type OptionType uint8

const (
	OptionTypeString OptionType = iota + 1
	OptionTypeInteger
	OptionTypeBoolean
	OptionTypeIPv4
	OptionTypeIPv4List
	OptionTypeDuration
	OptionTypeHardwareAddress
)

func (t OptionType) String() string {
	switch t {
	case OptionTypeString:
		return "string"
	case OptionTypeInteger:
		return "integer"
	case OptionTypeBoolean:
		return "boolean"
	case OptionTypeIPv4:
		return "ipv4"
	case OptionTypeIPv4List:
		return "ipv4 list"
	case OptionTypeDuration:
		return "duration"
	case OptionTypeHardwareAddress:
		return "hardware address"
	default:
		return "unknown"
	}
}

const (
	OptionNetmask       OptionID = 1
	OptionRouters       OptionID = 3
	OptionDNSServers    OptionID = 6
	OptionHostname      OptionID = 12
	OptionDomainName    OptionID = 15
	OptionForward       OptionID = 19
	OptionMTU           OptionID = 26
	OptionBroadcast     OptionID = 28
	OptionNTPServers    OptionID = 43
	OptionLeaseTime     OptionID = 51
	OptionRenewalTime   OptionID = 58
	OptionRebindingTime OptionID = 59
	OptionVendorClass   OptionID = 60
	OptionClientID      OptionID = 61
	OptionUserClass     OptionID = 77
	OptionFQDN          OptionID = 80
	OptionTZRule        OptionID = 100
	OptionTZName        OptionID = 101
	OptionCaptivePortal OptionID = 114
)

type OptionDefinition struct {
	ID   OptionID
	Name string
	Type OptionType
	// Width is the wire size in bytes of an Integer option.
	Width int
}

var builtinOptions = []OptionDefinition{
	{ID: OptionNetmask, Name: "netmask", Type: OptionTypeIPv4},
	{ID: OptionRouters, Name: "routers", Type: OptionTypeIPv4List},
	{ID: OptionDNSServers, Name: "dns-servers", Type: OptionTypeIPv4List},
	{ID: OptionHostname, Name: "hostname", Type: OptionTypeString},
	{ID: OptionDomainName, Name: "domain-name", Type: OptionTypeString},
	{ID: OptionForward, Name: "forward", Type: OptionTypeBoolean},
	{ID: OptionMTU, Name: "mtu", Type: OptionTypeInteger, Width: 2},
	{ID: OptionBroadcast, Name: "broadcast", Type: OptionTypeIPv4},
	{ID: OptionNTPServers, Name: "ntp-servers", Type: OptionTypeIPv4List},
	{ID: OptionLeaseTime, Name: "lease-time", Type: OptionTypeDuration},
	{ID: OptionRenewalTime, Name: "renewal-time", Type: OptionTypeDuration},
	{ID: OptionRebindingTime, Name: "rebinding-time", Type: OptionTypeDuration},
	{ID: OptionVendorClass, Name: "vendor-class", Type: OptionTypeString},
	{ID: OptionClientID, Name: "client-id", Type: OptionTypeHardwareAddress},
	{ID: OptionUserClass, Name: "user-class", Type: OptionTypeString},
	{ID: OptionFQDN, Name: "fqdn", Type: OptionTypeString},
	{ID: OptionTZRule, Name: "tz-rule", Type: OptionTypeString},
	{ID: OptionTZName, Name: "tz-name", Type: OptionTypeString},
	{ID: OptionCaptivePortal, Name: "captive-portal", Type: OptionTypeString},
}

// OptionValue is a typed option value. The zero value is invalid.
// List values are atomic: two lists are equal only element for element and an
// override always replaces the whole list.
type OptionValue struct {
	typ  OptionType
	str  string
	num  uint32
	flag bool
	ips  []netip.Addr
	hw   net.HardwareAddr
}

func StringValue(s string) OptionValue {
	return OptionValue{typ: OptionTypeString, str: s}
}

func IntegerValue(n uint32) OptionValue {
	return OptionValue{typ: OptionTypeInteger, num: n}
}

func BooleanValue(b bool) OptionValue {
	return OptionValue{typ: OptionTypeBoolean, flag: b}
}

func IPv4Value(ip netip.Addr) OptionValue {
	return OptionValue{typ: OptionTypeIPv4, ips: []netip.Addr{ip}}
}

func IPv4ListValue(ips ...netip.Addr) OptionValue {
	return OptionValue{typ: OptionTypeIPv4List, ips: append([]netip.Addr(nil), ips...)}
}

// DurationValue truncates to whole seconds so comparisons are exact. Durations
// beyond the 32 bit wire range saturate; ParseValue rejects them instead.
func DurationValue(d time.Duration) OptionValue {
	seconds := d / time.Second
	if seconds < 0 {
		seconds = 0
	} else if seconds > math.MaxUint32 {
		seconds = math.MaxUint32
	}
	return OptionValue{typ: OptionTypeDuration, num: uint32(seconds)}
}

func HardwareAddressValue(hw net.HardwareAddr) OptionValue {
	return OptionValue{typ: OptionTypeHardwareAddress, hw: append(net.HardwareAddr(nil), hw...)}
}

func (v OptionValue) Type() OptionType {
	return v.typ
}

func (v OptionValue) IsValid() bool {
	return v.typ != 0
}

func (v OptionValue) Str() string {
	return v.str
}

func (v OptionValue) Integer() uint32 {
	return v.num
}

func (v OptionValue) Bool() bool {
	return v.flag
}

func (v OptionValue) IPv4() netip.Addr {
	if len(v.ips) == 0 {
		return netip.Addr{}
	}

	return v.ips[0]
}

func (v OptionValue) IPv4List() []netip.Addr {
	return append([]netip.Addr(nil), v.ips...)
}

func (v OptionValue) Seconds() uint32 {
	return v.num
}

func (v OptionValue) Duration() time.Duration {
	return time.Duration(v.num) * time.Second
}

func (v OptionValue) HardwareAddress() net.HardwareAddr {
	return append(net.HardwareAddr(nil), v.hw...)
}

func (v OptionValue) Equal(another OptionValue) bool {
	if v.typ != another.typ {
		return false
	}

	switch v.typ {
	case OptionTypeString:
		return v.str == another.str
	case OptionTypeInteger, OptionTypeDuration:
		return v.num == another.num
	case OptionTypeBoolean:
		return v.flag == another.flag
	case OptionTypeIPv4, OptionTypeIPv4List:
		if len(v.ips) != len(another.ips) {
			return false
		}
		for i := range v.ips {
			if v.ips[i] != another.ips[i] {
				return false
			}
		}
		return true
	case OptionTypeHardwareAddress:
		return string(v.hw) == string(another.hw)
	default:
		return true
	}
}

func (v OptionValue) String() string {
	switch v.typ {
	case OptionTypeString:
		return v.str
	case OptionTypeInteger:
		return strconv.FormatUint(uint64(v.num), 10)
	case OptionTypeBoolean:
		return strconv.FormatBool(v.flag)
	case OptionTypeIPv4:
		return v.IPv4().String()
	case OptionTypeIPv4List:
		ips := make([]string, len(v.ips))
		for i, ip := range v.ips {
			ips[i] = ip.String()
		}
		return "[" + strings.Join(ips, ",") + "]"
	case OptionTypeDuration:
		return strconv.FormatUint(uint64(v.num), 10) + "s"
	case OptionTypeHardwareAddress:
		return v.hw.String()
	default:
		return ""
	}
}

// OptionRegistry is the option catalog. It is read-only once built apart from
// Register, which is only called while loading configuration.
type OptionRegistry struct {
	lock   sync.RWMutex
	byID   map[OptionID]OptionDefinition
	byName map[string]OptionDefinition
}

func NewOptionRegistry() *OptionRegistry {
	r := &OptionRegistry{
		byID:   make(map[OptionID]OptionDefinition, len(builtinOptions)),
		byName: make(map[string]OptionDefinition, len(builtinOptions)),
	}

	for _, def := range builtinOptions {
		r.byID[def.ID] = def
		r.byName[def.Name] = def
	}

	return r
}

var (
	defaultRegistry     *OptionRegistry
	defaultRegistryOnce sync.Once
)

func DefaultOptionRegistry() *OptionRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewOptionRegistry()
	})
	return defaultRegistry
}

// Clone copies the catalog so custom options can be registered without
// touching r.
func (r *OptionRegistry) Clone() *OptionRegistry {
	r.lock.RLock()
	defer r.lock.RUnlock()
	clone := &OptionRegistry{
		byID:   make(map[OptionID]OptionDefinition, len(r.byID)),
		byName: make(map[string]OptionDefinition, len(r.byName)),
	}
	for id, def := range r.byID {
		clone.byID[id] = def
	}
	for name, def := range r.byName {
		clone.byName[name] = def
	}
	return clone
}

// Register adds a custom option, e.g. a vendor specific string option.
func (r *OptionRegistry) Register(def OptionDefinition) error {
	if def.Name == "" {
		return errorno.ErrInvalidPolicy(errorno.ErrNameOption, def.ID, "missing name")
	} else if def.Type < OptionTypeString || def.Type > OptionTypeHardwareAddress {
		return errorno.ErrInvalidPolicy(errorno.ErrNameOption, def.Name, "unsupported type")
	}

	if def.Type == OptionTypeInteger {
		switch def.Width {
		case 0:
			def.Width = 4
		case 1, 2, 4:
		default:
			return errorno.ErrInvalidPolicy(errorno.ErrNameOption, def.Name,
				fmt.Sprintf("integer width %d not in 1, 2, 4", def.Width))
		}
	} else {
		def.Width = 0
	}

	r.lock.Lock()
	defer r.lock.Unlock()
	if old, ok := r.byID[def.ID]; ok {
		return errorno.ErrInvalidPolicy(errorno.ErrNameOptionCode, def.ID,
			"already used by "+old.Name)
	}

	if old, ok := r.byName[def.Name]; ok {
		return errorno.ErrInvalidPolicy(errorno.ErrNameOption, def.Name,
			fmt.Sprintf("already used by code %d", old.ID))
	}

	r.byID[def.ID] = def
	r.byName[def.Name] = def
	return nil
}

func (r *OptionRegistry) Lookup(id OptionID) (OptionDefinition, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	def, ok := r.byID[id]
	return def, ok
}

func (r *OptionRegistry) LookupName(name string) (OptionDefinition, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	def, ok := r.byName[name]
	return def, ok
}

func (r *OptionRegistry) Definitions() []OptionDefinition {
	r.lock.RLock()
	defs := make([]OptionDefinition, 0, len(r.byID))
	for _, def := range r.byID {
		defs = append(defs, def)
	}
	r.lock.RUnlock()

	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

func (r *OptionRegistry) Name(id OptionID) string {
	if def, ok := r.Lookup(id); ok {
		return def.Name
	}

	return "option-" + strconv.Itoa(int(id))
}

// ParseValue type checks a configured value against the catalog. raw is what a
// YAML decoder yields: string, int, bool or a list of those.
func (r *OptionRegistry) ParseValue(id OptionID, raw interface{}) (OptionValue, error) {
	def, ok := r.Lookup(id)
	if !ok {
		return OptionValue{}, errorno.ErrUnknownOption(id)
	}

	value, ok := parseTypedValue(def, raw)
	if !ok {
		return OptionValue{}, errorno.ErrTypeMismatch(def.Name, def.Type.String(), raw)
	}

	return value, nil
}

func parseTypedValue(def OptionDefinition, raw interface{}) (OptionValue, bool) {
	switch def.Type {
	case OptionTypeString:
		switch s := raw.(type) {
		case string:
			return StringValue(s), true
		case int:
			return StringValue(strconv.Itoa(s)), true
		}
	case OptionTypeInteger:
		if n, ok := toUint(raw); ok && fitsWidth(n, def.Width) {
			return IntegerValue(uint32(n)), true
		}
	case OptionTypeBoolean:
		if b, ok := raw.(bool); ok {
			return BooleanValue(b), true
		}
	case OptionTypeIPv4:
		if s, ok := raw.(string); ok {
			if ip, err := util.ParseIPv4(s); err == nil {
				return IPv4Value(ip), true
			}
		}
	case OptionTypeIPv4List:
		items, ok := raw.([]interface{})
		if !ok {
			items = []interface{}{raw}
		}

		ips := make([]netip.Addr, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return OptionValue{}, false
			}
			ip, err := util.ParseIPv4(s)
			if err != nil {
				return OptionValue{}, false
			}
			ips = append(ips, ip)
		}
		if len(ips) != 0 {
			return IPv4ListValue(ips...), true
		}
	case OptionTypeDuration:
		if n, ok := toUint(raw); ok && n <= math.MaxUint32 {
			return OptionValue{typ: OptionTypeDuration, num: uint32(n)}, true
		} else if s, ok := raw.(string); ok {
			if d, err := ParseDuration(s); err == nil && d/time.Second <= math.MaxUint32 {
				return DurationValue(d), true
			}
		}
	case OptionTypeHardwareAddress:
		if s, ok := raw.(string); ok {
			if hw, err := net.ParseMAC(s); err == nil {
				return HardwareAddressValue(hw), true
			}
		}
	}

	return OptionValue{}, false
}

func toUint(raw interface{}) (uint64, bool) {
	switch n := raw.(type) {
	case int:
		if n >= 0 {
			return uint64(n), true
		}
	case int64:
		if n >= 0 {
			return uint64(n), true
		}
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	}

	return 0, false
}

func fitsWidth(n uint64, width int) bool {
	switch width {
	case 1:
		return n <= 0xff
	case 2:
		return n <= math.MaxUint16
	case 4:
		return n <= math.MaxUint32
	default:
		return false
	}
}

// ParseDuration accepts go duration syntax plus d and w suffixes; a bare
// number is seconds. The result always fits the 32 bit seconds of a lease
// time option.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return time.Duration(n) * time.Second, nil
	}

	var unit uint64
	switch s[len(s)-1] {
	case 'd':
		unit = 24 * 3600
	case 'w':
		unit = 7 * 24 * 3600
	default:
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, err
		} else if d < 0 {
			return 0, fmt.Errorf("negative duration %s", s)
		} else if d > dhcpv4.MaxLeaseTime {
			return 0, fmt.Errorf("duration %s exceeds %d seconds", s, uint32(math.MaxUint32))
		}
		return d, nil
	}

	n, err := strconv.ParseUint(s[:len(s)-1], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %s", s)
	} else if n > math.MaxUint32/unit {
		return 0, fmt.Errorf("duration %s exceeds %d seconds", s, uint32(math.MaxUint32))
	}

	return time.Duration(n*unit) * time.Second, nil
}

func (r *OptionRegistry) integerWidth(id OptionID) int {
	if def, ok := r.Lookup(id); ok && def.Width != 0 {
		return def.Width
	}
	return 4
}

// Encode renders a value as the payload of its DHCP option.
func (r *OptionRegistry) Encode(id OptionID, v OptionValue) []byte {
	switch v.typ {
	case OptionTypeString:
		return dhcpv4.String(v.str).ToBytes()
	case OptionTypeInteger:
		switch r.integerWidth(id) {
		case 1:
			buf := uio.NewBigEndianBuffer(nil)
			buf.Write8(uint8(v.num))
			return buf.Data()
		case 2:
			return dhcpv4.Uint16(v.num).ToBytes()
		default:
			buf := uio.NewBigEndianBuffer(nil)
			buf.Write32(v.num)
			return buf.Data()
		}
	case OptionTypeBoolean:
		buf := uio.NewBigEndianBuffer(nil)
		if v.flag {
			buf.Write8(1)
		} else {
			buf.Write8(0)
		}
		return buf.Data()
	case OptionTypeIPv4:
		return dhcpv4.IP(toNetIP(v.IPv4())).ToBytes()
	case OptionTypeIPv4List:
		ips := make(dhcpv4.IPs, 0, len(v.ips))
		for _, ip := range v.ips {
			ips = append(ips, toNetIP(ip))
		}
		return ips.ToBytes()
	case OptionTypeDuration:
		return dhcpv4.Duration(v.Duration()).ToBytes()
	case OptionTypeHardwareAddress:
		// client identifier layout: hardware type 1 (ethernet) then address
		buf := uio.NewBigEndianBuffer(nil)
		buf.Write8(1)
		buf.WriteBytes(v.hw)
		return buf.Data()
	default:
		return nil
	}
}

// Decode parses an option payload received from a client. Unknown codes and
// malformed payloads yield false.
func (r *OptionRegistry) Decode(id OptionID, data []byte) (OptionValue, bool) {
	def, ok := r.Lookup(id)
	if !ok {
		return OptionValue{}, false
	}

	switch def.Type {
	case OptionTypeString:
		var s dhcpv4.String
		if err := s.FromBytes(data); err != nil {
			return OptionValue{}, false
		}
		return StringValue(string(s)), true
	case OptionTypeInteger:
		switch r.integerWidth(id) {
		case 1:
			buf := uio.NewBigEndianBuffer(data)
			n := buf.Read8()
			if buf.FinError() != nil {
				return OptionValue{}, false
			}
			return IntegerValue(uint32(n)), true
		case 2:
			var n dhcpv4.Uint16
			if err := n.FromBytes(data); err != nil {
				return OptionValue{}, false
			}
			return IntegerValue(uint32(n)), true
		default:
			buf := uio.NewBigEndianBuffer(data)
			n := buf.Read32()
			if buf.FinError() != nil {
				return OptionValue{}, false
			}
			return IntegerValue(n), true
		}
	case OptionTypeBoolean:
		buf := uio.NewBigEndianBuffer(data)
		b := buf.Read8()
		if buf.FinError() != nil {
			return OptionValue{}, false
		}
		return BooleanValue(b != 0), true
	case OptionTypeIPv4:
		var ip dhcpv4.IP
		if err := ip.FromBytes(data); err != nil {
			return OptionValue{}, false
		}
		addr, ok := fromNetIP(net.IP(ip))
		if !ok {
			return OptionValue{}, false
		}
		return IPv4Value(addr), true
	case OptionTypeIPv4List:
		var ips dhcpv4.IPs
		if err := ips.FromBytes(data); err != nil {
			return OptionValue{}, false
		}
		addrs := make([]netip.Addr, 0, len(ips))
		for _, ip := range ips {
			addr, ok := fromNetIP(ip)
			if !ok {
				return OptionValue{}, false
			}
			addrs = append(addrs, addr)
		}
		return IPv4ListValue(addrs...), true
	case OptionTypeDuration:
		var d dhcpv4.Duration
		if err := d.FromBytes(data); err != nil {
			return OptionValue{}, false
		}
		return DurationValue(time.Duration(d)), true
	case OptionTypeHardwareAddress:
		buf := uio.NewBigEndianBuffer(data)
		buf.Read8()
		if buf.Len() == 0 || buf.Error() != nil {
			return OptionValue{}, false
		}
		return HardwareAddressValue(net.HardwareAddr(buf.CopyN(buf.Len()))), true
	default:
		return OptionValue{}, false
	}
}

func toNetIP(addr netip.Addr) net.IP {
	b := addr.As4()
	return net.IP(b[:])
}

func fromNetIP(ip net.IP) (netip.Addr, bool) {
	ip4 := ip.To4()
	if ip4 == nil {
		return netip.Addr{}, false
	}
	return netip.AddrFrom4([4]byte{ip4[0], ip4[1], ip4[2], ip4[3]}), true
}
