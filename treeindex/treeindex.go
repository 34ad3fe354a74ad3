// Package treeindex implements the optional reverse-lookup index
// described in spec.md §4.2: identity/HPKE-key/signature-key -> leaf
// index maps, plus per-proposal-type support counters. It exists purely
// to accelerate duplicate and membership checks that BatchEdit would
// otherwise perform with a linear scan of occupied leaves; the tree's
// externally observable behavior is identical with or without it.
package treeindex

import (
	"fmt"
	"sync"

	"github.com/bifurcation/mls-tree-go/node"
	"github.com/bifurcation/mls-tree-go/treemath"
)

// ErrDuplicateLeafData is returned when a leaf's identity, HPKE public
// key, or signature public key collides with a different, already
// indexed leaf (spec.md invariant P3 / error DuplicateLeafData).
type ErrDuplicateLeafData struct {
	Index treemath.LeafIndex
	Field string // "identity", "hpke_key", or "signature_key"
}

func (e ErrDuplicateLeafData) Error() string {
	return fmt.Sprintf("treeindex: duplicate %s already used by leaf %d", e.Field, e.Index)
}

// TreeIndex is guarded by a mutex so read-only introspection (e.g.
// CountSupportingProposal) remains safe from a goroutine observing group
// state while a batch edit is staged on a cloned tree (spec.md §5); the
// core itself never holds the lock across a provider call.
type TreeIndex struct {
	mu sync.RWMutex

	identity  map[string]treemath.LeafIndex
	hpkeKey   map[string]treemath.LeafIndex
	sigKey    map[string]treemath.LeafIndex
	proposals map[uint16]int

	initialized bool
}

// New returns an empty, initialized TreeIndex.
func New() *TreeIndex {
	return &TreeIndex{
		identity:    map[string]treemath.LeafIndex{},
		hpkeKey:     map[string]treemath.LeafIndex{},
		sigKey:      map[string]treemath.LeafIndex{},
		proposals:   map[uint16]int{},
		initialized: true,
	}
}

// IsInitialized reports whether the index has been populated (vs. the
// zero value produced by decoding a TreeKemPublic that carries no index).
func (idx *TreeIndex) IsInitialized() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.initialized
}

// Insert adds leaf at idx to all three reverse maps and increments its
// declared proposal-type support counters. identity is the canonical
// identity bytes the identity provider derived from leaf's credential.
func (idx *TreeIndex) Insert(leaf *node.LeafNode, at treemath.LeafIndex, identity []byte) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !idx.initialized {
		idx.identity = map[string]treemath.LeafIndex{}
		idx.hpkeKey = map[string]treemath.LeafIndex{}
		idx.sigKey = map[string]treemath.LeafIndex{}
		idx.proposals = map[uint16]int{}
		idx.initialized = true
	}

	if existing, ok := idx.identity[string(identity)]; ok && existing != at {
		return ErrDuplicateLeafData{Index: existing, Field: "identity"}
	}
	if existing, ok := idx.hpkeKey[string(leaf.HPKEPublicKey)]; ok && existing != at {
		return ErrDuplicateLeafData{Index: existing, Field: "hpke_key"}
	}
	if existing, ok := idx.sigKey[string(leaf.Identity.SignatureKey)]; ok && existing != at {
		return ErrDuplicateLeafData{Index: existing, Field: "signature_key"}
	}

	idx.identity[string(identity)] = at
	idx.hpkeKey[string(leaf.HPKEPublicKey)] = at
	idx.sigKey[string(leaf.Identity.SignatureKey)] = at
	for _, pt := range leaf.Capabilities.ProposalTypes {
		idx.proposals[pt]++
	}
	return nil
}

// Remove purges leaf's entries from all three maps and decrements its
// proposal-type counters. identity must be the same canonical identity
// bytes passed to the matching Insert.
func (idx *TreeIndex) Remove(leaf *node.LeafNode, identity []byte) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	delete(idx.identity, string(identity))
	delete(idx.hpkeKey, string(leaf.HPKEPublicKey))
	delete(idx.sigKey, string(leaf.Identity.SignatureKey))
	for _, pt := range leaf.Capabilities.ProposalTypes {
		if idx.proposals[pt] > 0 {
			idx.proposals[pt]--
		}
	}
}

// GetLeafIndexWithIdentity looks up the leaf currently holding identity.
func (idx *TreeIndex) GetLeafIndexWithIdentity(identity []byte) (treemath.LeafIndex, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	l, ok := idx.identity[string(identity)]
	return l, ok
}

// CountSupportingProposal returns how many occupied leaves declare
// support for proposal type pt.
func (idx *TreeIndex) CountSupportingProposal(pt uint16) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.proposals[pt]
}

// Clone returns a deep copy, used by the maximal-update-set search in
// package batchedit to speculatively try an insertion without mutating
// the index a caller might still be reading.
func (idx *TreeIndex) Clone() *TreeIndex {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := &TreeIndex{
		identity:    make(map[string]treemath.LeafIndex, len(idx.identity)),
		hpkeKey:     make(map[string]treemath.LeafIndex, len(idx.hpkeKey)),
		sigKey:      make(map[string]treemath.LeafIndex, len(idx.sigKey)),
		proposals:   make(map[uint16]int, len(idx.proposals)),
		initialized: idx.initialized,
	}
	for k, v := range idx.identity {
		out.identity[k] = v
	}
	for k, v := range idx.hpkeKey {
		out.hpkeKey[k] = v
	}
	for k, v := range idx.sigKey {
		out.sigKey[k] = v
	}
	for k, v := range idx.proposals {
		out.proposals[k] = v
	}
	return out
}
