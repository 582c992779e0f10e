package service

import (
	"net"
	"net/netip"
	"time"

	"github.com/linkingthing/cement/log"

	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/resource"
)

const DefaultLeaseTime = 24 * time.Hour

// Decision is everything the protocol layer needs to build a positive reply.
// Registry is the catalog of the snapshot the decision was made against and
// encodes Options.
type Decision struct {
	Lease           *resource.Lease
	Options         map[resource.OptionID]resource.OptionValue
	LeaseTime       time.Duration
	Chain           []PolicyRef
	SnapshotVersion uint64
	Registry        *resource.OptionRegistry
}

// DHCPService runs evaluation then allocation against the active snapshot.
// A nil Decision with a nil error means the request gets no reply.
type DHCPService struct {
	snapshots        *SnapshotHolder
	allocator        *LeaseAllocator
	defaultLeaseTime time.Duration
}

func NewDHCPService(snapshots *SnapshotHolder, allocator *LeaseAllocator, defaultLeaseTime time.Duration) *DHCPService {
	if defaultLeaseTime <= 0 {
		defaultLeaseTime = DefaultLeaseTime
	}

	return &DHCPService{
		snapshots:        snapshots,
		allocator:        allocator,
		defaultLeaseTime: defaultLeaseTime,
	}
}

func (s *DHCPService) Snapshots() *SnapshotHolder {
	return s.snapshots
}

func (s *DHCPService) Allocator() *LeaseAllocator {
	return s.allocator
}

func (s *DHCPService) evaluate(snapshot *Snapshot, ctx *resource.RequestContext) (*EvaluationResult, bool) {
	if snapshot == nil {
		log.Debugf("drop request from %s: no policy snapshot loaded", ctx.HwAddress)
		return nil, false
	}

	result, ok := Evaluate(snapshot.Tree, ctx)
	if !ok {
		log.Debugf("drop request from %s on %s: no policy matched", ctx.HwAddress, ctx.Subnet)
		return nil, false
	}

	return result, true
}

// Offer answers a discover with the address the client should be offered.
func (s *DHCPService) Offer(ctx *resource.RequestContext) (*Decision, error) {
	return s.OfferOn(s.snapshots.Load(), ctx)
}

// OfferOn is Offer against a snapshot the caller already holds. The
// requested address of ctx is offered when the pool has it free.
func (s *DHCPService) OfferOn(snapshot *Snapshot, ctx *resource.RequestContext) (*Decision, error) {
	result, ok := s.evaluate(snapshot, ctx)
	if !ok {
		return nil, nil
	}

	leaseTime := result.LeaseTime(s.defaultLeaseTime)
	lease, err := s.allocator.AllocateRequested(result.Scope(), ctx.HwAddress, result.Pool,
		ctx.RequestedAddress, leaseTime)
	if err != nil {
		log.Infof("no address offered to %s by policy %s: %s",
			ctx.HwAddress, result.ChainString(), err.Error())
		return nil, err
	}

	return newDecision(snapshot, result, ctx, lease, leaseTime), nil
}

// Request binds addr for the client. The caller answers with a nak when an
// error is returned.
func (s *DHCPService) Request(ctx *resource.RequestContext, addr netip.Addr) (*Decision, error) {
	return s.RequestOn(s.snapshots.Load(), ctx, addr)
}

func (s *DHCPService) RequestOn(snapshot *Snapshot, ctx *resource.RequestContext, addr netip.Addr) (*Decision, error) {
	result, ok := s.evaluate(snapshot, ctx)
	if !ok {
		return nil, nil
	}

	leaseTime := result.LeaseTime(s.defaultLeaseTime)
	lease, err := s.allocator.Bind(result.Scope(), ctx.HwAddress, result.Pool, addr, leaseTime)
	if err != nil {
		log.Infof("refuse %s requested by %s under policy %s: %s",
			addr, ctx.HwAddress, result.ChainString(), err.Error())
		return nil, err
	}

	return newDecision(snapshot, result, ctx, lease, leaseTime), nil
}

func newDecision(snapshot *Snapshot, result *EvaluationResult, ctx *resource.RequestContext, lease *resource.Lease, leaseTime time.Duration) *Decision {
	return &Decision{
		Lease:           lease,
		Options:         result.ReplyOptions(ctx.RequestedOptions),
		LeaseTime:       leaseTime,
		Chain:           result.Chain,
		SnapshotVersion: snapshot.Version,
		Registry:        snapshot.Registry,
	}
}

func (s *DHCPService) Release(hw net.HardwareAddr, addr netip.Addr) bool {
	return s.allocator.Release(hw, addr)
}

func (s *DHCPService) Decline(hw net.HardwareAddr, addr netip.Addr) bool {
	return s.allocator.Decline(hw, addr)
}
