package service

import (
	"net/netip"
	"sort"
	"strconv"

	"go4.org/netipx"

	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/resource"
	"github.com/linkingthing/clxone-homedhcp/pkg/errorno"
	"github.com/linkingthing/clxone-homedhcp/pkg/util"
)

// ResolvedPool is the exclusion adjusted set of addresses one policy node may
// hand out. It is immutable once built.
type ResolvedPool struct {
	set       *netipx.IPSet
	size      uint64
	exclusive bool
}

func newResolvedPool(set *netipx.IPSet, exclusive bool) *ResolvedPool {
	size := ipSetSize(set)
	return &ResolvedPool{set: set, size: size, exclusive: exclusive && size == 1}
}

func ipSetSize(set *netipx.IPSet) uint64 {
	var size uint64
	for _, r := range set.Ranges() {
		size += uint64(util.IPv4ToUint32(r.To())-util.IPv4ToUint32(r.From())) + 1
	}
	return size
}

func (p *ResolvedPool) Size() uint64 {
	return p.size
}

func (p *ResolvedPool) IsEmpty() bool {
	return p.size == 0
}

func (p *ResolvedPool) Contains(ip netip.Addr) bool {
	return p.set.Contains(ip)
}

// Ranges returns the pool as sorted disjoint ranges.
func (p *ResolvedPool) Ranges() []netipx.IPRange {
	return p.set.Ranges()
}

// Exclusive reports whether the pool is a single address reserved by the
// node's own declaration, as opposed to one left over from a larger pool.
func (p *ResolvedPool) Exclusive() bool {
	return p.exclusive
}

// Walk visits the pool in ascending address order until fn returns false.
func (p *ResolvedPool) Walk(fn func(netip.Addr) bool) {
	for _, r := range p.set.Ranges() {
		for ip := r.From(); ip.IsValid() && !r.To().Less(ip); ip = ip.Next() {
			if !fn(ip) {
				return
			}
		}
	}
}

func (p *ResolvedPool) String() string {
	ranges := p.set.Ranges()
	if len(ranges) == 0 {
		return "[]"
	}

	s := "["
	for i, r := range ranges {
		if i != 0 {
			s += ","
		}
		if r.From() == r.To() {
			s += r.From().String()
		} else {
			s += r.String()
		}
	}
	return s + "]"
}

// PolicyNode is one arena slot. Nodes are stored in pre-order so the strict
// descendants of node i are exactly the slots (i, End).
// Path is positional, e.g. 0.1.2. Scope keys lease state and is built from
// the policy names along the path, so inserting a sibling only moves the
// scope of unnamed policies.
type PolicyNode struct {
	Policy   *resource.Policy
	Path     string
	Scope    string
	Parent   int
	End      int
	Children []int
	declared *netipx.IPSet
	pool     *ResolvedPool
}

func (n *PolicyNode) Label() string {
	if n.Policy.Name != "" {
		return n.Policy.Name
	}

	return n.Path
}

func (n *PolicyNode) Pool() *ResolvedPool {
	return n.pool
}

// PolicyTree is the immutable, pool resolved form of a policy document.
type PolicyTree struct {
	nodes []*PolicyNode
	roots []int
}

func (t *PolicyTree) Len() int {
	return len(t.nodes)
}

func (t *PolicyTree) Node(i int) *PolicyNode {
	return t.nodes[i]
}

func (t *PolicyTree) Roots() []int {
	return t.roots
}

// NodeByPath looks a node up by its positional path such as "0.1.0".
func (t *PolicyTree) NodeByPath(path string) (*PolicyNode, bool) {
	for _, n := range t.nodes {
		if n.Path == path {
			return n, true
		}
	}

	return nil, false
}

func (t *PolicyTree) isAncestor(ancestor, descendant int) bool {
	return ancestor < descendant && descendant < t.nodes[ancestor].End
}

// BuildPolicyTree lays the policies out in an arena, validates every address
// declaration and resolves each node's pool.
func BuildPolicyTree(policies []*resource.Policy) (*PolicyTree, error) {
	tree := &PolicyTree{}
	roots, err := tree.appendSiblings(policies, -1, "", "")
	if err != nil {
		return nil, err
	}
	tree.roots = roots

	if err := tree.collectDeclared(); err != nil {
		return nil, err
	}

	tree.resolvePools()
	return tree, nil
}

func (t *PolicyTree) appendSiblings(policies []*resource.Policy, parent int, prefix, scopePrefix string) ([]int, error) {
	indexes := make([]int, 0, len(policies))
	names := make(map[string]struct{}, len(policies))
	for i, policy := range policies {
		path := strconv.Itoa(i)
		if prefix != "" {
			path = prefix + "." + path
		}

		scope := "#" + strconv.Itoa(i)
		if policy.Name != "" {
			if _, ok := names[policy.Name]; ok {
				return nil, errorno.ErrInvalidPolicy(errorno.ErrNamePolicy, policy.Name,
					"duplicate name among siblings at "+path)
			}
			names[policy.Name] = struct{}{}
			scope = policy.Name
		}
		if scopePrefix != "" {
			scope = scopePrefix + "/" + scope
		}

		index := len(t.nodes)
		node := &PolicyNode{Policy: policy, Path: path, Scope: scope, Parent: parent}
		t.nodes = append(t.nodes, node)
		children, err := t.appendSiblings(policy.Policies, index, path, scope)
		if err != nil {
			return nil, err
		}
		node.Children = children
		node.End = len(t.nodes)
		indexes = append(indexes, index)
	}

	return indexes, nil
}

type declaration struct {
	node   int
	spec   resource.AddressSpec
	from   uint32
	to     uint32
	single bool
}

func (t *PolicyTree) collectDeclared() error {
	var declarations []declaration
	for i, node := range t.nodes {
		var builder netipx.IPSetBuilder
		for _, spec := range node.Policy.Addresses {
			r, err := validateAddressSpec(spec)
			if err != nil {
				return err
			}

			builder.AddRange(r)
			declarations = append(declarations, declaration{
				node:   i,
				spec:   spec,
				from:   util.IPv4ToUint32(r.From()),
				to:     util.IPv4ToUint32(r.To()),
				single: spec.Kind == resource.AddressKindSingle,
			})
		}

		node.declared = mustBuildIPSet(&builder)
	}

	return t.checkConflicts(declarations)
}

func validateAddressSpec(spec resource.AddressSpec) (netipx.IPRange, error) {
	switch spec.Kind {
	case resource.AddressKindSingle:
		if !spec.Address.Is4() {
			return netipx.IPRange{}, errorno.ErrInvalidSubnet(spec.Address.String(), "not ipv4 address")
		}
	case resource.AddressKindSubnet:
		if !spec.Prefix.IsValid() || !spec.Prefix.Addr().Is4() {
			return netipx.IPRange{}, errorno.ErrInvalidSubnet(spec.Prefix.String(), "not ipv4 prefix")
		} else if spec.Prefix.Masked() != spec.Prefix {
			return netipx.IPRange{}, errorno.ErrInvalidSubnet(spec.Prefix.String(), "prefix has host bits set")
		}
	case resource.AddressKindRange:
		if !spec.Range.From().Is4() || !spec.Range.To().Is4() {
			return netipx.IPRange{}, errorno.ErrInvalidSubnet(spec.Range.String(), "not ipv4 range")
		} else if spec.Range.To().Less(spec.Range.From()) {
			return netipx.IPRange{}, errorno.ErrInvalidSubnet(spec.Range.String(), "range end is less than start")
		}
	default:
		return netipx.IPRange{}, errorno.ErrInvalidSubnet(spec.String(), "unknown address kind")
	}

	r := spec.HostRange()
	if !r.IsValid() {
		return netipx.IPRange{}, errorno.ErrInvalidSubnet(spec.String(), "no usable address")
	}

	return r, nil
}

// checkConflicts sweeps all declarations in address order. Overlap is legal
// only between a node and its own ancestors, except that one single address
// may never be reserved twice.
func (t *PolicyTree) checkConflicts(declarations []declaration) error {
	sort.SliceStable(declarations, func(i, j int) bool {
		if declarations[i].from != declarations[j].from {
			return declarations[i].from < declarations[j].from
		}
		return declarations[i].to < declarations[j].to
	})

	var active []declaration
	for _, current := range declarations {
		live := active[:0]
		for _, prev := range active {
			if prev.to >= current.from {
				live = append(live, prev)
			}
		}
		active = live

		for _, prev := range active {
			if prev.node == current.node {
				continue
			}

			if prev.single && current.single {
				return errorno.ErrDuplicateAddressReservation(current.spec.String(),
					t.nodes[prev.node].Label(), t.nodes[current.node].Label())
			}

			if !t.isAncestor(prev.node, current.node) && !t.isAncestor(current.node, prev.node) {
				return errorno.ErrOverlappingPools(t.nodes[prev.node].Label(), prev.spec.String(),
					t.nodes[current.node].Label(), current.spec.String())
			}
		}

		active = append(active, current)
	}

	return nil
}

// resolvePools computes resolved(N) = base(N) - declared(strict descendants of N)
// where base is N's own declaration or, when empty, its parent's resolved pool.
func (t *PolicyTree) resolvePools() {
	below := make([]*netipx.IPSet, len(t.nodes))
	for i := len(t.nodes) - 1; i >= 0; i-- {
		var builder netipx.IPSetBuilder
		for _, child := range t.nodes[i].Children {
			builder.AddSet(t.nodes[child].declared)
			builder.AddSet(below[child])
		}
		below[i] = mustBuildIPSet(&builder)
	}

	for i, node := range t.nodes {
		var builder netipx.IPSetBuilder
		declaredSize := ipSetSize(node.declared)
		if declaredSize != 0 {
			builder.AddSet(node.declared)
		} else if node.Parent >= 0 {
			builder.AddSet(t.nodes[node.Parent].pool.set)
		}

		builder.RemoveSet(below[i])
		node.pool = newResolvedPool(mustBuildIPSet(&builder), declaredSize == 1)
	}
}

func mustBuildIPSet(builder *netipx.IPSetBuilder) *netipx.IPSet {
	set, err := builder.IPSet()
	if err != nil {
		// only ever fed valid ranges
		panic("build ip set failed: " + err.Error())
	}

	return set
}
