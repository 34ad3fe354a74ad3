// Package treekem is the aggregate front door of the ratchet tree core:
// a single TreeKemPublic wiring node storage, tree math, the optional
// identity index, tree-hash/parent-hash caches, and the batch-edit and
// update-path algorithms behind one clone-before-edit type (spec.md §6).
package treekem

import "github.com/bifurcation/mls-tree-go/policy"

// Option configures a TreeKemPublic at construction time.
type Option func(*TreeKemPublic)

// WithIndex enables the optional TreeIndex (spec.md §4.2). Disabled by
// default. Without it, GetLeafNodeWithIdentity and CanSupportProposal
// fall back to a linear scan of the occupied leaves; BatchEdit (and so
// AddLeaves and RekeyLeaf) and ApplyUpdatePath do not scan and instead
// return an error when the index is not enabled.
func WithIndex() Option {
	return func(t *TreeKemPublic) {
		t.indexEnabled = true
	}
}

// WithPolicy attaches a capability/extension policy evaluator. The tree
// stores it and carries it over on Clone; no TreeKemPublic method
// evaluates it.
func WithPolicy(eval *policy.Evaluator) Option {
	return func(t *TreeKemPublic) {
		t.policy = eval
	}
}
