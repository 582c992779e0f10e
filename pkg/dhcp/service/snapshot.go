package service

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/linkingthing/cement/log"

	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/resource"
)

// Snapshot is one fully built policy tree together with the option catalog
// its policies were parsed against. It is never modified after it is
// published, so readers need no locking.
type Snapshot struct {
	Tree     *PolicyTree
	Registry *resource.OptionRegistry
	Version  uint64
	LoadedAt time.Time
	Source   string
}

type SnapshotHolder struct {
	current atomic.Pointer[Snapshot]
	version atomic.Uint64
	base    *resource.OptionRegistry
	lock    sync.Mutex
}

// NewSnapshotHolder takes the catalog policy files extend with their custom
// options. base itself is never modified by a reload.
func NewSnapshotHolder(base *resource.OptionRegistry) *SnapshotHolder {
	if base == nil {
		base = resource.DefaultOptionRegistry()
	}

	return &SnapshotHolder{base: base}
}

// Registry returns the catalog of the active snapshot, the base catalog
// before the first successful load.
func (h *SnapshotHolder) Registry() *resource.OptionRegistry {
	if snapshot := h.current.Load(); snapshot != nil {
		return snapshot.Registry
	}

	return h.base
}

// Load returns the active snapshot, nil before the first successful load.
func (h *SnapshotHolder) Load() *Snapshot {
	return h.current.Load()
}

// Reload builds a new tree from policies and swaps it in. On error the active
// snapshot is left untouched.
func (h *SnapshotHolder) Reload(policies []*resource.Policy) (*Snapshot, error) {
	return h.reload(policies, h.base, "")
}

// ReloadFile parses and builds the policy file at path. Custom options of the
// file are registered into a copy of the base catalog that is published with
// the tree. On error the active snapshot keeps serving.
func (h *SnapshotHolder) ReloadFile(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Warnf("read policy file %s failed: %s", path, err.Error())
		return nil, fmt.Errorf("read policy file %s failed: %s", path, err.Error())
	}

	registry := h.base.Clone()
	policies, err := resource.ParsePolicies(data, registry)
	if err != nil {
		log.Warnf("parse policy file %s failed, keep current snapshot: %s", path, err.Error())
		return nil, err
	}

	return h.reload(policies, registry, path)
}

func (h *SnapshotHolder) reload(policies []*resource.Policy, registry *resource.OptionRegistry, source string) (*Snapshot, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	tree, err := BuildPolicyTree(policies)
	if err != nil {
		log.Warnf("build policy tree failed, keep current snapshot: %s", err.Error())
		return nil, err
	}

	snapshot := &Snapshot{
		Tree:     tree,
		Registry: registry,
		Version:  h.version.Add(1),
		LoadedAt: time.Now(),
		Source:   source,
	}
	h.current.Store(snapshot)
	log.Infof("policy snapshot %d loaded with %d policies", snapshot.Version, tree.Len())
	return snapshot, nil
}
