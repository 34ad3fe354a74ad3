package treekem

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bifurcation/mls-tree-go/batchedit"
	"github.com/bifurcation/mls-tree-go/node"
	"github.com/bifurcation/mls-tree-go/policy"
	"github.com/bifurcation/mls-tree-go/provider"
	"github.com/bifurcation/mls-tree-go/treehash"
	"github.com/bifurcation/mls-tree-go/treeindex"
	"github.com/bifurcation/mls-tree-go/treemath"
	"github.com/bifurcation/mls-tree-go/updatepath"
)

// TreeKemPublic is the public ratchet tree: the node array, an optional
// reverse-lookup index, and cached tree hashes, plus the cipher-suite
// and identity providers every mutating operation needs (spec.md §3,
// §6). Equality of two trees is defined by the node array alone — the
// index and hash caches are derived state.
//
// TreeKemPublic is single-owner and holds no internal lock: callers
// clone before a speculative edit and replace the authoritative
// reference only once that edit succeeds (spec.md §5).
type TreeKemPublic struct {
	tree   *node.NodeVec
	index  *treeindex.TreeIndex
	hashes *treehash.Hashes

	cs  provider.CipherSuiteProvider
	idp provider.IdentityProvider

	indexEnabled bool
	policy       *policy.Evaluator
}

// New returns an empty TreeKemPublic bound to cs and idp.
func New(cs provider.CipherSuiteProvider, idp provider.IdentityProvider, opts ...Option) *TreeKemPublic {
	t := &TreeKemPublic{
		tree:   node.New(),
		hashes: treehash.New(0),
		cs:     cs,
		idp:    idp,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.indexEnabled {
		t.index = treeindex.New()
	}
	return t
}

// ImportNodeData rebuilds a TreeKemPublic from an already-decoded node
// array, e.g. after receiving a GroupInfo's ratchet_tree extension. If
// the index is enabled, every occupied leaf is re-inserted into it,
// which also re-validates invariant P3 (identity/HPKE-key/signature-key
// uniqueness) across the imported tree.
func (t *TreeKemPublic) ImportNodeData(ctx context.Context, nodes []node.Node) error {
	imported := node.FromSlice(append([]node.Node(nil), nodes...))

	var index *treeindex.TreeIndex
	if t.indexEnabled {
		index = treeindex.New()
		for _, entry := range imported.NonEmptyLeaves() {
			identity, err := t.idp.Identity(ctx, entry.Leaf.Identity)
			if err != nil {
				return provider.ErrIdentityProvider{Err: err}
			}
			if err := index.Insert(entry.Leaf, entry.Index, identity); err != nil {
				return err
			}
		}
	}

	t.tree = imported
	t.index = index
	t.hashes = treehash.New(treemath.NodeWidth(imported.TotalLeafCount()))
	return nil
}

// ExportNodeData returns the tree's raw node array for wire encoding.
// The returned slice aliases internal storage and must not be mutated.
func (t *TreeKemPublic) ExportNodeData() []node.Node {
	return t.tree.Export()
}

// PrivateLeafMaterial is the key material Derive generates for a new
// leaf: the public leaf to publish and the HPKE private key that stays
// local. Deriving and encrypting the rest of a commit's path secrets is
// the group state machine's job, not this core's (spec.md §1 Non-goals).
type PrivateLeafMaterial struct {
	Public  *node.LeafNode
	Private []byte
}

// Derive generates fresh HPKE key material for template (a copy of
// which becomes the published leaf) from secret, via the cipher-suite
// provider's KEM.
func (t *TreeKemPublic) Derive(ctx context.Context, template *node.LeafNode, secret []byte) (*PrivateLeafMaterial, error) {
	priv, pub, err := t.cs.KEMDerive(ctx, secret)
	if err != nil {
		return nil, provider.ErrCryptoProvider{Err: err}
	}
	leaf := template.Clone()
	leaf.HPKEPublicKey = pub
	return &PrivateLeafMaterial{Public: leaf, Private: priv}, nil
}

// TotalLeafCount returns the number of leaf slots the tree has room
// for (occupied or blank).
func (t *TreeKemPublic) TotalLeafCount() uint32 { return t.tree.TotalLeafCount() }

// OccupiedLeafCount returns the number of non-blank leaf slots.
func (t *TreeKemPublic) OccupiedLeafCount() uint32 { return t.tree.OccupiedLeafCount() }

// GetLeafNode returns the leaf at index i, or nil if that slot is blank.
func (t *TreeKemPublic) GetLeafNode(i treemath.LeafIndex) (*node.LeafNode, error) {
	return t.tree.BorrowLeaf(i)
}

// FindLeafNode returns the index of an occupied leaf whose public
// fields equal target, if any.
func (t *TreeKemPublic) FindLeafNode(target *node.LeafNode) (treemath.LeafIndex, bool) {
	for _, entry := range t.tree.NonEmptyLeaves() {
		if leafPublicEqual(entry.Leaf, target) {
			return entry.Index, true
		}
	}
	return 0, false
}

func leafPublicEqual(a, b *node.LeafNode) bool {
	if a == nil || b == nil {
		return a == b
	}
	return bytes.Equal(a.HPKEPublicKey, b.HPKEPublicKey) &&
		bytes.Equal(a.Identity.Credential, b.Identity.Credential) &&
		bytes.Equal(a.Identity.SignatureKey, b.Identity.SignatureKey)
}

// GetLeafNodeWithIdentity returns the index of the occupied leaf whose
// canonical identity (per the bound IdentityProvider) equals identity.
// When the index is enabled this is an O(1) lookup; otherwise it scans
// occupied leaves, calling the provider once per leaf.
func (t *TreeKemPublic) GetLeafNodeWithIdentity(ctx context.Context, identity []byte) (treemath.LeafIndex, bool, error) {
	if t.index != nil {
		i, ok := t.index.GetLeafIndexWithIdentity(identity)
		return i, ok, nil
	}
	for _, entry := range t.tree.NonEmptyLeaves() {
		got, err := t.idp.Identity(ctx, entry.Leaf.Identity)
		if err != nil {
			return 0, false, provider.ErrIdentityProvider{Err: err}
		}
		if bytes.Equal(got, identity) {
			return entry.Index, true, nil
		}
	}
	return 0, false, nil
}

// NonEmptyLeaves returns every occupied leaf in ascending index order.
func (t *TreeKemPublic) NonEmptyLeaves() []node.LeafEntry { return t.tree.NonEmptyLeaves() }

// Leaves returns every leaf slot (nil for blanks) in ascending index order.
func (t *TreeKemPublic) Leaves() []*node.LeafNode { return t.tree.Leaves() }

// AddLeaves admits each of leaves as a new member via a by-value Add
// proposal, appended in order, and returns the index each was placed
// at. It is a thin convenience wrapper over BatchEdit.
func (t *TreeKemPublic) AddLeaves(ctx context.Context, leaves []*node.LeafNode) ([]treemath.LeafIndex, error) {
	adds := make([]batchedit.Tagged[batchedit.AddProposal], len(leaves))
	for i, l := range leaves {
		adds[i] = batchedit.Tagged[batchedit.AddProposal]{Tag: batchedit.ByValue, Proposal: batchedit.AddProposal{NewLeaf: l}}
	}
	_, out, err := t.BatchEdit(ctx, &batchedit.Bundle{Adds: adds}, false)
	if err != nil {
		return nil, err
	}
	return out.Added, nil
}

// RekeyLeaf replaces the leaf at i with newLeaf via a by-value Update
// proposal sent by member i, a thin convenience wrapper over BatchEdit.
func (t *TreeKemPublic) RekeyLeaf(ctx context.Context, i treemath.LeafIndex, newLeaf *node.LeafNode) error {
	updates := []batchedit.Tagged[batchedit.UpdateProposal]{
		{Tag: batchedit.ByValue, Proposal: batchedit.UpdateProposal{
			Sender:  batchedit.Sender{Kind: batchedit.SenderMember, Member: i},
			NewLeaf: newLeaf,
		}},
	}
	_, _, err := t.BatchEdit(ctx, &batchedit.Bundle{Updates: updates}, false)
	return err
}

// ApplyUpdatePath installs a committer's validated update path (package
// updatepath): replaces the committer's leaf, installs each direct-path
// entry, and verifies the resulting parent-hash chain.
func (t *TreeKemPublic) ApplyUpdatePath(ctx context.Context, committer treemath.LeafIndex, path *updatepath.Path) error {
	if t.index == nil {
		return fmt.Errorf("treekem: ApplyUpdatePath requires an enabled index (see WithIndex)")
	}
	return updatepath.Apply(ctx, t.cs, t.idp, t.tree, t.index, t.hashes, committer, path)
}

// BatchEdit applies bundle's removes, updates, and adds in the ordered
// phases of package batchedit, returning the surviving proposals (those
// not dropped in filter mode) and a summary of what changed.
func (t *TreeKemPublic) BatchEdit(ctx context.Context, bundle *batchedit.Bundle, filter bool) (*batchedit.Bundle, *batchedit.Output, error) {
	if t.index == nil {
		return nil, nil, fmt.Errorf("treekem: BatchEdit requires an enabled index (see WithIndex)")
	}
	return batchedit.Apply(ctx, t.cs, t.idp, t.tree, t.index, t.hashes, bundle, filter)
}

// TreeHash returns the root's current tree hash, recomputing nothing.
// BatchEdit (with its AddLeaves and RekeyLeaf wrappers) and
// ApplyUpdatePath update the hash cache themselves; after ImportNodeData
// the cache is uncomputed, so call UpdateHashes first.
func (t *TreeKemPublic) TreeHash() ([]byte, error) {
	return t.hashes.Root(t.tree.TotalLeafCount())
}

// UpdateHashes recomputes the tree-hash cache for every node whose
// value could have changed because one of dirty's leaves changed.
func (t *TreeKemPublic) UpdateHashes(ctx context.Context, dirty []treemath.LeafIndex) error {
	return t.hashes.Update(ctx, t.cs, t.tree, dirty)
}

// CanSupportProposal reports whether every occupied leaf's declared
// capabilities support proposal type pt (spec.md invariant P9). With
// the index enabled it uses the index's proposal-support counters;
// without one, the answer is computed with a linear scan instead.
func (t *TreeKemPublic) CanSupportProposal(pt uint16) bool {
	occupied := t.tree.OccupiedLeafCount()
	if occupied == 0 {
		return true
	}
	if pt >= 1 && pt <= 3 {
		return true // base proposal types are implicitly supported, see node.Capabilities.Supports
	}
	if t.index != nil {
		return uint32(t.index.CountSupportingProposal(pt)) == occupied
	}
	for _, entry := range t.tree.NonEmptyLeaves() {
		if !entry.Leaf.Capabilities.Supports(pt) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the tree, its index, and its hash
// caches, for a caller staging a speculative edit (spec.md §5).
func (t *TreeKemPublic) Clone() *TreeKemPublic {
	c := &TreeKemPublic{
		tree:         t.tree.Clone(),
		hashes:       t.hashes.Clone(),
		cs:           t.cs,
		idp:          t.idp,
		indexEnabled: t.indexEnabled,
		policy:       t.policy,
	}
	if t.index != nil {
		c.index = t.index.Clone()
	}
	return c
}

// Equal reports whether two trees describe the same node contents
// (spec.md §3: "Equality is defined by the node array alone").
func (t *TreeKemPublic) Equal(other *TreeKemPublic) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.tree.Equal(other.tree)
}
