package service

import (
	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/resource"
	"github.com/linkingthing/clxone-homedhcp/pkg/errorno"
	"github.com/linkingthing/clxone-homedhcp/pkg/util"
)

// Lease4Service is the read only view of the lease table used by the api.
type Lease4Service struct {
	allocator *LeaseAllocator
}

func NewLease4Service(allocator *LeaseAllocator) *Lease4Service {
	return &Lease4Service{allocator: allocator}
}

func (l *Lease4Service) List(hwAddress, scope string) ([]*resource.Lease4, error) {
	if hwAddress != "" {
		mac, err := util.NormalizeMac(hwAddress)
		if err != nil {
			return nil, err
		}
		hwAddress = mac
	}

	var lease4s []*resource.Lease4
	for _, lease := range l.allocator.Leases() {
		lease4 := resource.Lease4FromLease(lease)
		if hwAddress != "" && lease4.HwAddress != hwAddress {
			continue
		}
		if scope != "" && lease4.Scope != scope {
			continue
		}
		lease4s = append(lease4s, lease4)
	}

	return lease4s, nil
}

func (l *Lease4Service) Get(address string) (*resource.Lease4, error) {
	ip, err := util.ParseIPv4(address)
	if err != nil {
		return nil, err
	}

	lease, ok := l.allocator.GetLease(ip)
	if !ok {
		return nil, errorno.ErrNotFound(errorno.ErrNameLease, address)
	}

	return resource.Lease4FromLease(lease), nil
}
