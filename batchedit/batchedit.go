// Package batchedit implements BatchEdit (spec.md §4.3): applying an
// ordered bundle of remove, update, and add proposals to a ratchet
// tree as a single all-or-nothing (strict mode) or best-effort (filter
// mode) operation. Grounded on aws-mls/src/tree_kem/mod.rs's
// batch_edit and find_max_update_set, restructured as five explicit Go
// functions (one for each of the first five phases) called in sequence
// from Apply, with the sixth phase (trim and rehash) inline in Apply,
// rather than mod.rs's single long method body, so each phase's
// invariants can be tested in isolation.
package batchedit

import (
	"context"
	"fmt"

	"github.com/bifurcation/mls-tree-go/node"
	"github.com/bifurcation/mls-tree-go/provider"
	"github.com/bifurcation/mls-tree-go/treehash"
	"github.com/bifurcation/mls-tree-go/treeindex"
	"github.com/bifurcation/mls-tree-go/treemath"
)

// Tag distinguishes a proposal embedded inline in a commit (ByValue)
// from one referenced by hash (ByReference); only ByReference
// proposals may be silently dropped in filter mode.
type Tag uint8

const (
	ByReference Tag = iota
	ByValue
)

// Tagged pairs a proposal with its provenance tag.
type Tagged[T any] struct {
	Tag      Tag
	Proposal T
}

// SenderKind distinguishes a proposal's sender.
type SenderKind uint8

const (
	SenderMember SenderKind = iota
	SenderExternal
)

// Sender identifies who proposed an Update. Only SenderMember is ever
// valid for Update (spec.md §4.3 phase 2).
type Sender struct {
	Kind   SenderKind
	Member treemath.LeafIndex
}

// RemoveProposal requests that the leaf at Removed be blanked.
type RemoveProposal struct {
	Removed treemath.LeafIndex
}

// UpdateProposal requests that Sender's own leaf be replaced by
// NewLeaf.
type UpdateProposal struct {
	Sender  Sender
	NewLeaf *node.LeafNode
}

// AddProposal requests that NewLeaf be inserted into the first
// available leaf slot.
type AddProposal struct {
	NewLeaf *node.LeafNode
}

// Bundle is the ordered set of proposals BatchEdit applies: removes,
// then updates, then adds, each its own ordered slice.
type Bundle struct {
	Removes []Tagged[RemoveProposal]
	Updates []Tagged[UpdateProposal]
	Adds    []Tagged[AddProposal]
}

// RemovedMember records a removed leaf for Output.
type RemovedMember struct {
	Index   treemath.LeafIndex
	OldLeaf *node.LeafNode
}

// Output is the result of a successful Apply.
type Output struct {
	Removed []RemovedMember
	Added   []treemath.LeafIndex
}

// Errors matching spec.md §4.7's named BatchEdit failures.

type ErrRemovingNonExistingMember struct{ Index treemath.LeafIndex }

func (e ErrRemovingNonExistingMember) Error() string {
	return fmt.Sprintf("batchedit: leaf %d is already blank, cannot remove", e.Index)
}

type ErrUpdatingNonExistingMember struct{ Index treemath.LeafIndex }

func (e ErrUpdatingNonExistingMember) Error() string {
	return fmt.Sprintf("batchedit: leaf %d is already blank, cannot update", e.Index)
}

type ErrInvalidSuccessor struct{ Index treemath.LeafIndex }

func (e ErrInvalidSuccessor) Error() string {
	return fmt.Sprintf("batchedit: new leaf is not a valid successor of leaf %d", e.Index)
}

type ErrInvalidProposalTypeForSender struct {
	Sender Sender
}

func (e ErrInvalidProposalTypeForSender) Error() string {
	return "batchedit: update proposal sender must be a member"
}

// ErrTooManyUpdateAttempts guards the maximal-update-set search: each
// restart must strictly grow the irrevocably-broken set, so the
// number of restarts is bounded by the number of staged updates. If a
// restart makes no progress this error is returned instead of looping
// forever (spec.md §9 Open Question).
type ErrTooManyUpdateAttempts struct{}

func (ErrTooManyUpdateAttempts) Error() string {
	return "batchedit: maximal update set search exceeded its attempt bound"
}

// classify decides, for a structural failure on a tagged proposal,
// whether filter mode permits silently dropping it. By-value
// proposals are always fatal; by-reference proposals are dropped only
// in filter mode.
func classify(tag Tag, filter bool, err error) (drop bool, fatal error) {
	if tag == ByValue || !filter {
		return false, err
	}
	return true, nil
}

// Apply runs the six ordered phases of BatchEdit against tree/index/
// hashes in place. On a strict-mode failure the caller's tree is left
// partially mutated — by convention (spec.md §5) callers always pass a
// clone so a failure's tree mutations are simply discarded. On
// success it returns the bundle with dropped proposals removed (a
// no-op change in strict mode, since strict mode never drops anything)
// and the Output describing what was actually removed and added.
func Apply(ctx context.Context, cs provider.CipherSuiteProvider, idp provider.IdentityProvider, tree *node.NodeVec, index *treeindex.TreeIndex, hashes *treehash.Hashes, bundle *Bundle, filter bool) (*Bundle, *Output, error) {
	out := &Output{}
	dirty := map[treemath.LeafIndex]bool{}

	keptRemoves, err := applyRemoves(ctx, idp, tree, index, bundle.Removes, filter, out, dirty)
	if err != nil {
		return nil, nil, err
	}

	staged, err := stageUpdates(ctx, idp, tree, index, bundle.Updates, filter)
	if err != nil {
		return nil, nil, err
	}

	good, reverted, err := maximalUpdateSet(ctx, idp, index, staged, filter)
	if err != nil {
		return nil, nil, err
	}

	keptUpdates, err := commitUpdates(ctx, idp, tree, index, good, reverted, bundle.Updates, filter, dirty)
	if err != nil {
		return nil, nil, err
	}

	keptAdds, err := applyAdds(ctx, idp, tree, index, bundle.Adds, filter, out, dirty)
	if err != nil {
		return nil, nil, err
	}

	tree.Trim()

	dirtyLeaves := make([]treemath.LeafIndex, 0, len(dirty))
	for l := range dirty {
		dirtyLeaves = append(dirtyLeaves, l)
	}
	if err := hashes.Update(ctx, cs, tree, dirtyLeaves); err != nil {
		return nil, nil, err
	}

	return &Bundle{Removes: keptRemoves, Updates: keptUpdates, Adds: keptAdds}, out, nil
}

// Phase 1: Removes.
func applyRemoves(ctx context.Context, idp provider.IdentityProvider, tree *node.NodeVec, index *treeindex.TreeIndex, removes []Tagged[RemoveProposal], filter bool, out *Output, dirty map[treemath.LeafIndex]bool) ([]Tagged[RemoveProposal], error) {
	var kept []Tagged[RemoveProposal]
	for _, r := range removes {
		old, err := tree.BlankLeafNode(r.Proposal.Removed)
		if err != nil {
			return nil, err
		}
		if old == nil {
			drop, fatal := classify(r.Tag, filter, ErrRemovingNonExistingMember{Index: r.Proposal.Removed})
			if fatal != nil {
				return nil, fatal
			}
			if drop {
				continue
			}
		}

		identity, err := idp.Identity(ctx, old.Identity)
		if err != nil {
			drop, fatal := classify(r.Tag, filter, provider.ErrIdentityProvider{Err: err})
			if fatal != nil {
				return nil, fatal
			}
			if drop {
				tree.InsertLeaf(r.Proposal.Removed, old)
				continue
			}
		}

		index.Remove(old, identity)
		if err := tree.BlankDirectPath(r.Proposal.Removed); err != nil {
			return nil, err
		}
		dirty[r.Proposal.Removed] = true
		out.Removed = append(out.Removed, RemovedMember{Index: r.Proposal.Removed, OldLeaf: old})
		kept = append(kept, r)
	}
	return kept, nil
}

type stagedUpdate struct {
	tag     Tag
	index   treemath.LeafIndex
	oldLeaf *node.LeafNode
	newLeaf *node.LeafNode
}

// Phase 2: Update staging.
func stageUpdates(ctx context.Context, idp provider.IdentityProvider, tree *node.NodeVec, index *treeindex.TreeIndex, updates []Tagged[UpdateProposal], filter bool) ([]*stagedUpdate, error) {
	var staged []*stagedUpdate
	for _, u := range updates {
		if u.Proposal.Sender.Kind != SenderMember {
			drop, fatal := classify(u.Tag, filter, ErrInvalidProposalTypeForSender{Sender: u.Proposal.Sender})
			if fatal != nil {
				return nil, fatal
			}
			if drop {
				continue
			}
		}

		idx := u.Proposal.Sender.Member
		old, err := tree.BlankLeafNode(idx)
		if err != nil {
			return nil, err
		}
		if old == nil {
			drop, fatal := classify(u.Tag, filter, ErrUpdatingNonExistingMember{Index: idx})
			if fatal != nil {
				return nil, fatal
			}
			if drop {
				continue
			}
		}

		oldIdentity, err := idp.Identity(ctx, old.Identity)
		if err != nil {
			if drop, fatal := revertOrFatal(u.Tag, filter, provider.ErrIdentityProvider{Err: err}, tree, idx, old); fatal != nil {
				return nil, fatal
			} else if drop {
				continue
			}
		}

		ok, err := idp.ValidSuccessor(ctx, old.Identity, u.Proposal.NewLeaf.Identity)
		if err != nil {
			if drop, fatal := revertOrFatal(u.Tag, filter, provider.ErrIdentityProvider{Err: err}, tree, idx, old); fatal != nil {
				return nil, fatal
			} else if drop {
				continue
			}
		}
		if !ok {
			if drop, fatal := revertOrFatal(u.Tag, filter, ErrInvalidSuccessor{Index: idx}, tree, idx, old); fatal != nil {
				return nil, fatal
			} else if drop {
				continue
			}
		}

		index.Remove(old, oldIdentity)
		staged = append(staged, &stagedUpdate{tag: u.Tag, index: idx, oldLeaf: old, newLeaf: u.Proposal.NewLeaf})
	}
	return staged, nil
}

// revertOrFatal is classify, plus restoring old into tree's
// now-blanked leaf slot when the failure is dropped rather than fatal.
func revertOrFatal(tag Tag, filter bool, err error, tree *node.NodeVec, idx treemath.LeafIndex, old *node.LeafNode) (drop bool, fatal error) {
	drop, fatal = classify(tag, filter, err)
	if fatal != nil {
		return false, fatal
	}
	if drop {
		tree.InsertLeaf(idx, old)
	}
	return drop, nil
}

// Phase 3: Maximal update set. Repeatedly attempts to insert every
// staged update's new leaf into a cloned index; a new-leaf collision
// falls back to re-inserting the old leaf. If the revert also
// collides, the update cannot be resolved against the current broken
// set and the whole search restarts excluding it — each restart
// strictly grows the excluded set, bounding the number of restarts by
// len(staged)+1. If the revert succeeds, the update is merely not
// applicable rather than irrevocably broken: filter mode reverts it
// silently, but strict mode (filter=false) treats it as the first bad
// proposal and aborts the whole edit with the original new-leaf
// collision, mirroring find_max_update_set's `if !filter { res?; }`
// re-raise of the pre-revert error (aws-mls/src/tree_kem/mod.rs).
func maximalUpdateSet(ctx context.Context, idp provider.IdentityProvider, index *treeindex.TreeIndex, staged []*stagedUpdate, filter bool) (good, reverted []*stagedUpdate, err error) {
	if len(staged) == 0 {
		return nil, nil, nil
	}

	broken := make(map[int]bool, len(staged))
	for attempt := 0; attempt <= len(staged); attempt++ {
		working := index.Clone()
		good, reverted = nil, nil
		restart := false

		for i, su := range staged {
			if broken[i] {
				continue
			}
			newIdentity, idErr := idp.Identity(ctx, su.newLeaf.Identity)
			if idErr != nil {
				return nil, nil, provider.ErrIdentityProvider{Err: idErr}
			}
			newErr := working.Insert(su.newLeaf, su.index, newIdentity)
			if newErr == nil {
				good = append(good, su)
				continue
			}

			oldIdentity, idErr := idp.Identity(ctx, su.oldLeaf.Identity)
			if idErr != nil {
				return nil, nil, provider.ErrIdentityProvider{Err: idErr}
			}
			if insErr := working.Insert(su.oldLeaf, su.index, oldIdentity); insErr != nil {
				broken[i] = true
				restart = true
				break
			}
			if !filter {
				return nil, nil, newErr
			}
			reverted = append(reverted, su)
		}

		if !restart {
			return good, reverted, nil
		}
	}
	return nil, nil, ErrTooManyUpdateAttempts{}
}

// Phase 4: Commit updates.
func commitUpdates(ctx context.Context, idp provider.IdentityProvider, tree *node.NodeVec, index *treeindex.TreeIndex, good, reverted []*stagedUpdate, original []Tagged[UpdateProposal], filter bool, dirty map[treemath.LeafIndex]bool) ([]Tagged[UpdateProposal], error) {
	goodSet := make(map[treemath.LeafIndex]*stagedUpdate, len(good))
	for _, su := range good {
		goodSet[su.index] = su
	}

	for _, su := range good {
		tree.InsertLeaf(su.index, su.newLeaf)
		if err := tree.BlankDirectPath(su.index); err != nil {
			return nil, err
		}
		identity, err := idp.Identity(ctx, su.newLeaf.Identity)
		if err != nil {
			return nil, provider.ErrIdentityProvider{Err: err}
		}
		if err := index.Insert(su.newLeaf, su.index, identity); err != nil {
			return nil, err
		}
		dirty[su.index] = true
	}

	for _, su := range reverted {
		tree.InsertLeaf(su.index, su.oldLeaf)
		identity, err := idp.Identity(ctx, su.oldLeaf.Identity)
		if err != nil {
			return nil, provider.ErrIdentityProvider{Err: err}
		}
		if err := index.Insert(su.oldLeaf, su.index, identity); err != nil {
			return nil, err
		}
	}

	var kept []Tagged[UpdateProposal]
	for _, u := range original {
		if u.Proposal.Sender.Kind != SenderMember {
			continue
		}
		if _, ok := goodSet[u.Proposal.Sender.Member]; ok {
			kept = append(kept, u)
		}
	}
	return kept, nil
}

// Phase 5: Adds.
func applyAdds(ctx context.Context, idp provider.IdentityProvider, tree *node.NodeVec, index *treeindex.TreeIndex, adds []Tagged[AddProposal], filter bool, out *Output, dirty map[treemath.LeafIndex]bool) ([]Tagged[AddProposal], error) {
	var kept []Tagged[AddProposal]
	cursor := treemath.LeafIndex(0)

	for _, a := range adds {
		idx := tree.NextEmptyLeaf(cursor)

		identity, err := idp.Identity(ctx, a.Proposal.NewLeaf.Identity)
		if err != nil {
			drop, fatal := classify(a.Tag, filter, provider.ErrIdentityProvider{Err: err})
			if fatal != nil {
				return nil, fatal
			}
			if drop {
				continue
			}
		}

		if err := index.Insert(a.Proposal.NewLeaf, idx, identity); err != nil {
			drop, fatal := classify(a.Tag, filter, err)
			if fatal != nil {
				return nil, fatal
			}
			if drop {
				continue
			}
		}

		tree.InsertLeaf(idx, a.Proposal.NewLeaf)
		path, err := tree.DirectPath(idx)
		if err != nil {
			return nil, err
		}
		for _, n := range path {
			p, err := tree.BorrowAsParent(n)
			if err != nil {
				return nil, err
			}
			if p != nil {
				p.AddUnmerged(idx)
			}
		}

		dirty[idx] = true
		out.Added = append(out.Added, idx)
		kept = append(kept, a)
		cursor = idx + 1
	}
	return kept, nil
}
