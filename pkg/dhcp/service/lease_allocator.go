package service

import (
	"bytes"
	"fmt"
	"net"
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/resource"
	"github.com/linkingthing/clxone-homedhcp/pkg/errorno"
)

const (
	DefaultOfferTimeout   = 30 * time.Second
	DefaultDeclineTimeout = 10 * time.Minute
)

type LeaseEventType string

const (
	LeaseEventOffered  LeaseEventType = "offered"
	LeaseEventBound    LeaseEventType = "bound"
	LeaseEventReleased LeaseEventType = "released"
	LeaseEventDeclined LeaseEventType = "declined"
	LeaseEventExpired  LeaseEventType = "expired"
)

type LeaseEvent struct {
	Type  LeaseEventType
	Lease *resource.Lease
}

// LeaseEventPublisher receives lease transitions after the table lock is
// released. Implementations must not block for long.
type LeaseEventPublisher interface {
	PublishLeaseEvents(events []LeaseEvent)
}

type clientKey struct {
	scope string
	hw    string
}

func clientKeyOf(scope string, hw net.HardwareAddr) clientKey {
	return clientKey{scope: scope, hw: string(hw)}
}

// LeaseAllocator owns the lease table. Every address has at most one entry
// and every (scope, hardware address) pair has at most one entry.
type LeaseAllocator struct {
	lock           sync.Mutex
	byAddress      map[netip.Addr]*resource.Lease
	byClient       map[clientKey]*resource.Lease
	declined       map[netip.Addr]time.Time
	offerTimeout   time.Duration
	declineTimeout time.Duration
	now            func() time.Time
	publisher      LeaseEventPublisher
}

type AllocatorOption func(*LeaseAllocator)

func WithClock(now func() time.Time) AllocatorOption {
	return func(a *LeaseAllocator) {
		a.now = now
	}
}

func WithPublisher(publisher LeaseEventPublisher) AllocatorOption {
	return func(a *LeaseAllocator) {
		a.publisher = publisher
	}
}

func WithDeclineTimeout(timeout time.Duration) AllocatorOption {
	return func(a *LeaseAllocator) {
		a.declineTimeout = timeout
	}
}

func NewLeaseAllocator(offerTimeout time.Duration, opts ...AllocatorOption) *LeaseAllocator {
	if offerTimeout <= 0 {
		offerTimeout = DefaultOfferTimeout
	}

	a := &LeaseAllocator{
		byAddress:      make(map[netip.Addr]*resource.Lease),
		byClient:       make(map[clientKey]*resource.Lease),
		declined:       make(map[netip.Addr]time.Time),
		offerTimeout:   offerTimeout,
		declineTimeout: DefaultDeclineTimeout,
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(a)
	}

	return a
}

// Allocate picks an address for hw out of pool. A live lease the client
// already holds in scope is renewed in place; otherwise the lowest free
// address is offered.
func (a *LeaseAllocator) Allocate(scope string, hw net.HardwareAddr, pool *ResolvedPool, lifetime time.Duration) (*resource.Lease, error) {
	return a.AllocateRequested(scope, hw, pool, netip.Addr{}, lifetime)
}

// AllocateRequested prefers requested over the lowest free address when the
// pool has it free for hw. A live lease the client already holds in the pool
// still wins.
func (a *LeaseAllocator) AllocateRequested(scope string, hw net.HardwareAddr, pool *ResolvedPool, requested netip.Addr, lifetime time.Duration) (*resource.Lease, error) {
	a.lock.Lock()
	now := a.now()
	lease, event, err := a.allocate(scope, hw, pool, requested, lifetime, now)
	a.lock.Unlock()

	if err != nil {
		return nil, err
	}

	a.publish(event)
	return lease, nil
}

func (a *LeaseAllocator) allocate(scope string, hw net.HardwareAddr, pool *ResolvedPool, requested netip.Addr, lifetime time.Duration, now time.Time) (*resource.Lease, []LeaseEvent, error) {
	key := clientKeyOf(scope, hw)
	if lease, ok := a.byClient[key]; ok {
		if lease.IsLive(now) && pool.Contains(lease.Address) {
			if lease.State == resource.LeaseStateBound {
				lease.Expire = now.Add(lifetime)
			} else {
				lease.Expire = now.Add(a.offerTimeout)
			}
			return lease.Clone(), nil, nil
		}

		a.remove(lease)
	}

	if pool.Exclusive() {
		ranges := pool.Ranges()
		if holder, ok := a.byAddress[ranges[0].From()]; ok &&
			holder.State == resource.LeaseStateBound && holder.IsLive(now) &&
			!bytes.Equal(holder.HwAddress, hw) {
			return nil, nil, errorno.ErrAddressInUse(holder.Address.String(), holder.HwAddress.String())
		}
	}

	var chosen netip.Addr
	if requested.IsValid() && pool.Contains(requested) && a.isFreeFor(requested, hw, now) {
		chosen = requested
	} else {
		pool.Walk(func(ip netip.Addr) bool {
			if a.isFreeFor(ip, hw, now) {
				chosen = ip
				return false
			}
			return true
		})
	}

	if !chosen.IsValid() {
		return nil, nil, errorno.ErrPoolExhausted(scope)
	}

	if holder, ok := a.byAddress[chosen]; ok {
		a.remove(holder)
	}

	lease := &resource.Lease{
		Scope:     scope,
		HwAddress: append(net.HardwareAddr(nil), hw...),
		Address:   chosen,
		Expire:    now.Add(a.offerTimeout),
		State:     resource.LeaseStateOffered,
	}
	a.insert(lease)
	return lease.Clone(), []LeaseEvent{{Type: LeaseEventOffered, Lease: lease.Clone()}}, nil
}

// isFreeFor treats expired and released entries as free. A declined address
// stays quarantined even for the client that declined it.
func (a *LeaseAllocator) isFreeFor(addr netip.Addr, hw net.HardwareAddr, now time.Time) bool {
	if until, ok := a.declined[addr]; ok && now.Before(until) {
		return false
	}

	holder, ok := a.byAddress[addr]
	if !ok {
		return true
	}

	switch holder.State {
	case resource.LeaseStateOffered, resource.LeaseStateBound:
		return !now.Before(holder.Expire) || bytes.Equal(holder.HwAddress, hw)
	default:
		return true
	}
}

// Bind confirms addr for hw, turning the client's offer, or any free
// address of pool the client asks for directly, into a bound lease.
func (a *LeaseAllocator) Bind(scope string, hw net.HardwareAddr, pool *ResolvedPool, addr netip.Addr, lifetime time.Duration) (*resource.Lease, error) {
	a.lock.Lock()
	now := a.now()
	lease, event, err := a.bind(scope, hw, pool, addr, lifetime, now)
	a.lock.Unlock()

	if err != nil {
		return nil, err
	}

	a.publish(event)
	return lease, nil
}

func (a *LeaseAllocator) bind(scope string, hw net.HardwareAddr, pool *ResolvedPool, addr netip.Addr, lifetime time.Duration, now time.Time) (*resource.Lease, []LeaseEvent, error) {
	if !pool.Contains(addr) {
		return nil, nil, errorno.ErrAddressNotInPool(addr.String(), scope)
	}

	if !a.isFreeFor(addr, hw, now) {
		holder := "declined"
		if lease, ok := a.byAddress[addr]; ok {
			holder = lease.HwAddress.String()
		}
		return nil, nil, errorno.ErrAddressInUse(addr.String(), holder)
	}

	if lease, ok := a.byClient[clientKeyOf(scope, hw)]; ok {
		a.remove(lease)
	}

	if holder, ok := a.byAddress[addr]; ok {
		a.remove(holder)
	}

	lease := &resource.Lease{
		Scope:     scope,
		HwAddress: append(net.HardwareAddr(nil), hw...),
		Address:   addr,
		Expire:    now.Add(lifetime),
		State:     resource.LeaseStateBound,
	}
	a.insert(lease)
	return lease.Clone(), []LeaseEvent{{Type: LeaseEventBound, Lease: lease.Clone()}}, nil
}

// Release gives addr back early. It reports false when hw holds no live
// lease on addr.
func (a *LeaseAllocator) Release(hw net.HardwareAddr, addr netip.Addr) bool {
	a.lock.Lock()
	now := a.now()
	lease, ok := a.liveLeaseOf(hw, addr, now)
	if !ok {
		a.lock.Unlock()
		return false
	}

	lease.State = resource.LeaseStateReleased
	lease.Expire = now
	event := LeaseEvent{Type: LeaseEventReleased, Lease: lease.Clone()}
	a.lock.Unlock()

	a.publish([]LeaseEvent{event})
	return true
}

// Decline drops the lease of hw on addr after the client found the address
// already in use on the link. The address is skipped by every scan, the
// declining client's included, until the decline timeout ends.
func (a *LeaseAllocator) Decline(hw net.HardwareAddr, addr netip.Addr) bool {
	a.lock.Lock()
	now := a.now()
	lease, ok := a.liveLeaseOf(hw, addr, now)
	if !ok {
		a.lock.Unlock()
		return false
	}

	a.remove(lease)
	a.declined[addr] = now.Add(a.declineTimeout)
	lease.State = resource.LeaseStateExpired
	lease.Expire = a.declined[addr]
	a.lock.Unlock()

	a.publish([]LeaseEvent{{Type: LeaseEventDeclined, Lease: lease}})
	return true
}

func (a *LeaseAllocator) liveLeaseOf(hw net.HardwareAddr, addr netip.Addr, now time.Time) (*resource.Lease, bool) {
	lease, ok := a.byAddress[addr]
	if !ok || !lease.IsLive(now) || !bytes.Equal(lease.HwAddress, hw) {
		return nil, false
	}

	return lease, true
}

// Sweep moves bound leases past expiry to expired and drops timed out offers,
// released entries, expired entries and finished decline quarantines. It
// returns the leases that expired in this pass.
func (a *LeaseAllocator) Sweep() []*resource.Lease {
	a.lock.Lock()
	now := a.now()
	var expired []*resource.Lease
	var events []LeaseEvent
	for _, lease := range a.byAddress {
		switch lease.State {
		case resource.LeaseStateBound:
			if !now.Before(lease.Expire) {
				lease.State = resource.LeaseStateExpired
				expired = append(expired, lease.Clone())
				events = append(events, LeaseEvent{Type: LeaseEventExpired, Lease: lease.Clone()})
			}
		case resource.LeaseStateOffered, resource.LeaseStateExpired:
			if !now.Before(lease.Expire) {
				a.remove(lease)
			}
		case resource.LeaseStateReleased:
			a.remove(lease)
		}
	}
	for addr, until := range a.declined {
		if !now.Before(until) {
			delete(a.declined, addr)
		}
	}
	a.lock.Unlock()

	sortLeases(expired)
	a.publish(events)
	return expired
}

// Leases returns a point in time copy of the table ordered by address.
func (a *LeaseAllocator) Leases() []*resource.Lease {
	a.lock.Lock()
	leases := make([]*resource.Lease, 0, len(a.byAddress))
	for _, lease := range a.byAddress {
		leases = append(leases, lease.Clone())
	}
	a.lock.Unlock()

	sortLeases(leases)
	return leases
}

func (a *LeaseAllocator) GetLease(addr netip.Addr) (*resource.Lease, bool) {
	a.lock.Lock()
	defer a.lock.Unlock()
	if lease, ok := a.byAddress[addr]; ok {
		return lease.Clone(), true
	}

	return nil, false
}

func sortLeases(leases []*resource.Lease) {
	sort.Slice(leases, func(i, j int) bool {
		return leases[i].Address.Less(leases[j].Address)
	})
}

func (a *LeaseAllocator) insert(lease *resource.Lease) {
	key := clientKeyOf(lease.Scope, lease.HwAddress)
	if old, ok := a.byAddress[lease.Address]; ok {
		panic(fmt.Sprintf("lease table corrupted: address %s held by %s and %s",
			lease.Address, old.HwAddress, lease.HwAddress))
	}

	if old, ok := a.byClient[key]; ok {
		panic(fmt.Sprintf("lease table corrupted: client %s in scope %s holds %s and %s",
			lease.HwAddress, lease.Scope, old.Address, lease.Address))
	}

	a.byAddress[lease.Address] = lease
	a.byClient[key] = lease
}

func (a *LeaseAllocator) remove(lease *resource.Lease) {
	key := clientKeyOf(lease.Scope, lease.HwAddress)
	if a.byAddress[lease.Address] != lease || a.byClient[key] != lease {
		panic(fmt.Sprintf("lease table corrupted: indexes disagree on lease %s of %s",
			lease.Address, lease.HwAddress))
	}

	delete(a.byAddress, lease.Address)
	delete(a.byClient, key)
}

func (a *LeaseAllocator) publish(events []LeaseEvent) {
	if a.publisher != nil && len(events) != 0 {
		a.publisher.PublishLeaseEvents(events)
	}
}
