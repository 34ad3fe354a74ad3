// Package treehash computes and maintains the ratchet tree's hash
// arrays (spec.md §5): the current per-node tree hash used for group
// membership commitments, and the "original" per-node tree hash used
// to verify parent-hash chains against unmerged-leaf state as it
// stood before those leaves were folded in. Both are grounded on
// aws-mls's tree_kem/tree_hash.rs, translated from its incremental
// dirty-tracking model (TreeHashes::current/original arrays plus
// dirty-leaf tracking) into an explicit-recompute Go API: callers pass
// the set of leaves that changed and get back a fully updated array,
// rather than the tree mutating a hash cache in place as a side effect
// of unrelated calls.
package treehash

import (
	"context"
	"fmt"
	"sort"

	"github.com/bifurcation/mls-tree-go/codec"
	"github.com/bifurcation/mls-tree-go/node"
	"github.com/bifurcation/mls-tree-go/provider"
	"github.com/bifurcation/mls-tree-go/treemath"
)

// Discriminants for TreeHashInput's two variants, matching the MLS
// wire encoding (aws-mls tree_hash.rs: Leaf = 1u8, Parent = 2u8).
const (
	nodeTypeLeaf   uint8 = 1
	nodeTypeParent uint8 = 2
)

// Hashes holds one 32-ish-byte (cipher-suite-hash-sized) digest per
// array index of the underlying NodeVec. A zero-length entry means
// "not yet computed for this index"; callers must recompute before
// trusting it.
type Hashes struct {
	Current [][]byte
}

// New returns a Hashes sized for width array slots, all uncomputed.
func New(width uint32) *Hashes {
	return &Hashes{Current: make([][]byte, width)}
}

// Clone returns a deep copy, for a caller that is about to recompute
// speculatively (e.g. applying a batch edit to clones so a failure can
// be discarded) without disturbing hashes a concurrent reader might
// still observe.
func (h *Hashes) Clone() *Hashes {
	out := &Hashes{Current: make([][]byte, len(h.Current))}
	for i, v := range h.Current {
		if v != nil {
			out.Current[i] = append([]byte(nil), v...)
		}
	}
	return out
}

// Resize grows or shrinks Current to width, preserving existing
// entries by index and zeroing (marking uncomputed) any new slots.
func (h *Hashes) Resize(width uint32) {
	if uint32(len(h.Current)) == width {
		return
	}
	next := make([][]byte, width)
	copy(next, h.Current)
	h.Current = next
}

func encodeLeafHashInput(cs provider.CipherSuite, idx treemath.LeafIndex, leaf *node.LeafNode) ([]byte, error) {
	w := codec.NewWriter(64)
	w.WriteUint16(uint16(cs))
	w.WriteUint8(nodeTypeLeaf)
	w.WriteUint32(uint32(idx))
	if err := encodeOptionalLeaf(w, leaf); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func encodeOptionalLeaf(w *codec.Writer, leaf *node.LeafNode) error {
	return w.WriteOptional(leaf != nil, func() error {
		if err := w.WriteVarBytes(leaf.HPKEPublicKey); err != nil {
			return err
		}
		if err := w.WriteVarBytes(leaf.Identity.Credential); err != nil {
			return err
		}
		if err := w.WriteVarBytes(leaf.Identity.SignatureKey); err != nil {
			return err
		}
		if err := w.WriteVarBytes(leaf.Signature); err != nil {
			return err
		}
		return nil
	})
}

// filteredUnmerged returns leaf's unmerged list with the entries in
// exclude removed, matching aws-mls's "filtered" unmerged-leaves list
// used when hashing a parent node (tree_hash.rs hash_for_parent).
func filteredUnmerged(all []treemath.LeafIndex, exclude map[treemath.LeafIndex]bool) []treemath.LeafIndex {
	if len(exclude) == 0 {
		return all
	}
	out := make([]treemath.LeafIndex, 0, len(all))
	for _, l := range all {
		if !exclude[l] {
			out = append(out, l)
		}
	}
	return out
}

func encodeParentHashInput(cs provider.CipherSuite, parent *node.ParentNode, filtered []treemath.LeafIndex, leftHash, rightHash []byte) ([]byte, error) {
	w := codec.NewWriter(128)
	w.WriteUint16(uint16(cs))
	w.WriteUint8(nodeTypeParent)

	present := parent != nil
	if err := w.WriteOptional(present, func() error {
		if err := w.WriteVarBytes(parent.HPKEPublicKey); err != nil {
			return err
		}
		if err := w.WriteVarBytes(parent.ParentHash); err != nil {
			return err
		}
		sorted := append([]treemath.LeafIndex(nil), filtered...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		return w.WriteVector(len(sorted), len(sorted)*4, func(i int) error {
			w.WriteUint32(uint32(sorted[i]))
			return nil
		})
	}); err != nil {
		return nil, err
	}

	if err := w.WriteVarBytes(leftHash); err != nil {
		return nil, err
	}
	if err := w.WriteVarBytes(rightHash); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// Update recomputes h.Current for every index on the direct path of
// each leaf in dirty, plus every trailing leaf whose hash is not yet
// computed (the latter matches aws-mls's own trailing_blanks handling:
// slots added by growth still get a hash so the tree hash is
// well-defined). Pending parents are hashed lowest level first, so
// both children of a parent are current before the parent is hashed.
func (h *Hashes) Update(ctx context.Context, cs provider.CipherSuiteProvider, tree *node.NodeVec, dirty []treemath.LeafIndex) error {
	n := tree.TotalLeafCount()
	h.Resize(treemath.NodeWidth(n))

	trailing := h.trailingBlankLeaves(n)
	toRecompute := make(map[treemath.LeafIndex]bool, len(dirty)+len(trailing))
	for _, l := range dirty {
		toRecompute[l] = true
	}
	for _, l := range trailing {
		toRecompute[l] = true
	}

	frontier := make(map[treemath.NodeIndex]bool)
	for l := range toRecompute {
		hash, err := h.hashLeaf(ctx, cs, tree, l)
		if err != nil {
			return err
		}
		h.Current[l.NodeIndex()] = hash
		if n > 1 {
			p, err := treemath.Parent(l.NodeIndex(), n)
			if err != nil {
				return err
			}
			frontier[p] = true
		}
	}

	level := func(x treemath.NodeIndex) int {
		k := 0
		for ; x&1 == 1; x >>= 1 {
			k++
		}
		return k
	}
	for len(frontier) > 0 {
		var p treemath.NodeIndex
		first := true
		for c := range frontier {
			if first || level(c) < level(p) || (level(c) == level(p) && c < p) {
				p, first = c, false
			}
		}
		delete(frontier, p)
		hash, err := h.hashParent(ctx, cs, tree, p, n)
		if err != nil {
			return err
		}
		h.Current[p] = hash
		if p == treemath.Root(n) {
			continue
		}
		gp, err := treemath.Parent(p, n)
		if err != nil {
			return err
		}
		frontier[gp] = true
	}
	return nil
}

// trailingBlankLeaves returns the leaves at the end of the tree whose
// hash slot is empty, stopping at the last leaf that has a hash.
func (h *Hashes) trailingBlankLeaves(n uint32) []treemath.LeafIndex {
	var out []treemath.LeafIndex
	for i := n; i > 0; i-- {
		l := treemath.LeafIndex(i - 1)
		if len(h.Current[l.NodeIndex()]) != 0 {
			break
		}
		out = append(out, l)
	}
	return out
}

func (h *Hashes) hashLeaf(ctx context.Context, cs provider.CipherSuiteProvider, tree *node.NodeVec, l treemath.LeafIndex) ([]byte, error) {
	leaf, err := tree.BorrowLeaf(l)
	if err != nil {
		return nil, err
	}
	input, err := encodeLeafHashInput(cs.CipherSuite(), l, leaf)
	if err != nil {
		return nil, err
	}
	digest, err := cs.Hash(ctx, input)
	if err != nil {
		return nil, provider.ErrCryptoProvider{Err: err}
	}
	return digest, nil
}

func (h *Hashes) hashParent(ctx context.Context, cs provider.CipherSuiteProvider, tree *node.NodeVec, p treemath.NodeIndex, n uint32) ([]byte, error) {
	parent, err := tree.BorrowAsParent(p)
	if err != nil {
		return nil, err
	}
	left, err := treemath.Left(p)
	if err != nil {
		return nil, err
	}
	right, err := treemath.Right(p)
	for err == nil && uint32(right) >= treemath.NodeWidth(n) {
		right, err = treemath.Left(right)
	}
	if err != nil {
		return nil, err
	}
	leftHash := h.Current[left]
	rightHash := h.Current[right]
	if leftHash == nil || rightHash == nil {
		return nil, fmt.Errorf("treehash: missing child hash for parent %d (children not yet hashed)", p)
	}

	var unmerged []treemath.LeafIndex
	if parent != nil {
		unmerged = parent.UnmergedLeaves
	}
	input, err := encodeParentHashInput(cs.CipherSuite(), parent, unmerged, leftHash, rightHash)
	if err != nil {
		return nil, err
	}
	digest, err := cs.Hash(ctx, input)
	if err != nil {
		return nil, provider.ErrCryptoProvider{Err: err}
	}
	return digest, nil
}

// Root returns the tree hash for the whole group: the hash stored at
// the array's root index. Callers must Update first; Root does not
// lazily recompute (unlike aws-mls's tree_hash(), which does) because
// the Go API makes recomputation an explicit, separately erroring step.
func (h *Hashes) Root(n uint32) ([]byte, error) {
	r := treemath.Root(n)
	if int(r) >= len(h.Current) || h.Current[r] == nil {
		return nil, fmt.Errorf("treehash: root hash not computed; call Update first")
	}
	return h.Current[r], nil
}

// ComputeOriginalHashes recomputes, for every node, the hash it would
// have had before any unmerged leaf recorded at one of its strict
// ancestors (within its own subtree) had propagated down to it. A
// committer's direct-path update records a parent hash computed
// against its copath as it stood at commit time, before that commit's
// own adds folded new unmerged leaves into nodes below it; verifying
// that chain later requires reconstructing those "as of commit" node
// hashes rather than the tree's current ones. The per-node exclusion
// set is built top-down (aws-mls's filtered_sets), mirroring the BFS
// propagation in tree_hash.rs's compute_original_hashes, though
// expressed here as a two-pass exclude-then-hash rather than its
// single interleaved pass.
func ComputeOriginalHashes(ctx context.Context, cs provider.CipherSuiteProvider, tree *node.NodeVec) ([][]byte, error) {
	n := tree.TotalLeafCount()
	width := treemath.NodeWidth(n)
	original := make([][]byte, width)
	if width == 0 {
		return original, nil
	}

	order := treemath.BFSTopDown(n)
	root := treemath.Root(n)

	filtered := make(map[treemath.NodeIndex][]treemath.LeafIndex, width)
	filtered[root] = nil

	for _, x := range order {
		if x == root {
			continue
		}
		parent, err := treemath.Parent(x, n)
		if err != nil {
			return nil, err
		}
		f := append([]treemath.LeafIndex(nil), filtered[parent]...)

		pNode, err := tree.BorrowAsParent(parent)
		if err != nil {
			return nil, err
		}
		if pNode != nil {
			lo, hi := treemath.Subtree(x)
			excluded := toLeafSet(f)
			for _, l := range pNode.UnmergedLeaves {
				if l >= lo && l < hi && !excluded[l] {
					f = append(f, l)
					excluded[l] = true
				}
			}
		}
		filtered[x] = f
	}

	for i := len(order) - 1; i >= 0; i-- {
		x := order[i]
		if x.IsLeafIndex() {
			h, err := (&Hashes{}).hashLeaf(ctx, cs, tree, x.LeafIndex())
			if err != nil {
				return nil, err
			}
			original[x] = h
			continue
		}

		left, err := treemath.Left(x)
		if err != nil {
			return nil, err
		}
		right, err := treemath.Right(x)
		for err == nil && uint32(right) >= width {
			right, err = treemath.Left(right)
		}
		if err != nil {
			return nil, err
		}
		leftHash, rightHash := original[left], original[right]
		if leftHash == nil || rightHash == nil {
			return nil, fmt.Errorf("treehash: missing original child hash for node %d", x)
		}

		pNode, err := tree.BorrowAsParent(x)
		if err != nil {
			return nil, err
		}
		var unmerged []treemath.LeafIndex
		if pNode != nil {
			unmerged = filteredUnmerged(pNode.UnmergedLeaves, toLeafSet(filtered[x]))
		}
		input, err := encodeParentHashInput(cs.CipherSuite(), pNode, unmerged, leftHash, rightHash)
		if err != nil {
			return nil, err
		}
		digest, err := cs.Hash(ctx, input)
		if err != nil {
			return nil, provider.ErrCryptoProvider{Err: err}
		}
		original[x] = digest
	}

	return original, nil
}

func toLeafSet(leaves []treemath.LeafIndex) map[treemath.LeafIndex]bool {
	set := make(map[treemath.LeafIndex]bool, len(leaves))
	for _, l := range leaves {
		set[l] = true
	}
	return set
}
