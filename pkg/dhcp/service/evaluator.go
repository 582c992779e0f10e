package service

import (
	"strings"
	"time"

	"github.com/linkingthing/clxone-homedhcp/pkg/dhcp/resource"
)

// PolicyRef identifies one matched node of the chain.
type PolicyRef struct {
	Index int
	Path  string
	Name  string
	Scope string
}

type EvaluationResult struct {
	Options map[resource.OptionID]resource.OptionValue
	Pool    *ResolvedPool
	// Chain runs from the root sibling down to the deepest matched node.
	Chain []PolicyRef
}

// Scope is the lease scope identity of the deepest matched node, e.g.
// root/lan/#0. Different branches never share lease state.
func (r *EvaluationResult) Scope() string {
	if len(r.Chain) == 0 {
		return ""
	}

	return r.Chain[len(r.Chain)-1].Scope
}

func (r *EvaluationResult) ChainString() string {
	labels := make([]string, 0, len(r.Chain))
	for _, ref := range r.Chain {
		if ref.Name != "" {
			labels = append(labels, ref.Name)
		} else {
			labels = append(labels, ref.Path)
		}
	}

	return strings.Join(labels, " > ")
}

// LeaseTime is the merged lease-time option, or defaultLeaseTime when no
// matched policy set one.
func (r *EvaluationResult) LeaseTime(defaultLeaseTime time.Duration) time.Duration {
	if value, ok := r.Options[resource.OptionLeaseTime]; ok && value.Seconds() != 0 {
		return value.Duration()
	}

	return defaultLeaseTime
}

// ReplyOptions filters the merged options down to what the client asked for
// in its parameter request list. A client without a request list gets none.
func (r *EvaluationResult) ReplyOptions(requested map[resource.OptionID]struct{}) map[resource.OptionID]resource.OptionValue {
	options := make(map[resource.OptionID]resource.OptionValue, len(requested))
	for id := range requested {
		if value, ok := r.Options[id]; ok {
			options[id] = value
		}
	}

	return options
}

// Evaluate walks the root siblings of tree against ctx. The first matching
// sibling wins and a deeper match is preferred over a shallower one. A node
// without match conditions only matches through a matching descendant.
// ok is false when nothing matched, which means the request gets no reply.
func Evaluate(tree *PolicyTree, ctx *resource.RequestContext) (*EvaluationResult, bool) {
	if tree == nil {
		return nil, false
	}

	result, ok := evaluateSiblings(tree, tree.roots, ctx)
	if !ok {
		return nil, false
	}

	for i, j := 0, len(result.Chain)-1; i < j; i, j = i+1, j-1 {
		result.Chain[i], result.Chain[j] = result.Chain[j], result.Chain[i]
	}

	return result, true
}

// evaluateSiblings builds the chain leaf first; Evaluate reverses it once.
func evaluateSiblings(tree *PolicyTree, siblings []int, ctx *resource.RequestContext) (*EvaluationResult, bool) {
	for _, index := range siblings {
		node := tree.nodes[index]
		if !matchesAll(node.Policy.Matches, ctx) {
			continue
		}

		if len(node.Children) != 0 {
			if child, ok := evaluateSiblings(tree, node.Children, ctx); ok {
				for id, value := range node.Policy.Options {
					if _, overridden := child.Options[id]; !overridden {
						child.Options[id] = value
					}
				}
				child.Chain = append(child.Chain, refOf(index, node))
				return child, true
			}

			if len(node.Policy.Matches) == 0 {
				continue
			}
		}

		options := make(map[resource.OptionID]resource.OptionValue, len(node.Policy.Options))
		for id, value := range node.Policy.Options {
			options[id] = value
		}

		return &EvaluationResult{
			Options: options,
			Pool:    node.pool,
			Chain:   []PolicyRef{refOf(index, node)},
		}, true
	}

	return nil, false
}

func matchesAll(conditions []resource.MatchCondition, ctx *resource.RequestContext) bool {
	for _, condition := range conditions {
		if !condition.Matches(ctx) {
			return false
		}
	}

	return true
}

func refOf(index int, node *PolicyNode) PolicyRef {
	return PolicyRef{Index: index, Path: node.Path, Name: node.Policy.Name, Scope: node.Scope}
}
