package resource

import (
	"net"
	"net/netip"
	"strings"
	"time"

	restresource "github.com/linkingthing/gorest/resource"
)

type LeaseState string

const (
	LeaseStateOffered  LeaseState = "offered"
	LeaseStateBound    LeaseState = "bound"
	LeaseStateReleased LeaseState = "released"
	LeaseStateExpired  LeaseState = "expired"
)

// Lease binds one address to one client within one allocation scope.
type Lease struct {
	Scope     string
	HwAddress net.HardwareAddr
	Address   netip.Addr
	Expire    time.Time
	State     LeaseState
}

// IsLive reports whether the lease still holds its address at now.
func (l *Lease) IsLive(now time.Time) bool {
	return (l.State == LeaseStateOffered || l.State == LeaseStateBound) && now.Before(l.Expire)
}

func (l *Lease) Clone() *Lease {
	lease := *l
	lease.HwAddress = append(net.HardwareAddr(nil), l.HwAddress...)
	return &lease
}

// Lease4 is the read only REST view of one lease table entry.
type Lease4 struct {
	restresource.ResourceBase `json:",inline"`
	Address                   string `json:"address"`
	HwAddress                 string `json:"hwAddress"`
	Scope                     string `json:"scope"`
	State                     string `json:"state"`
	Expire                    string `json:"expire"`
}

func Lease4FromLease(lease *Lease) *Lease4 {
	lease4 := &Lease4{
		Address:   lease.Address.String(),
		HwAddress: strings.ToUpper(lease.HwAddress.String()),
		Scope:     lease.Scope,
		State:     string(lease.State),
		Expire:    lease.Expire.Format(time.RFC3339),
	}
	lease4.SetID(lease4.Address)
	return lease4
}
