package batchedit_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bifurcation/mls-tree-go/batchedit"
	"github.com/bifurcation/mls-tree-go/node"
	"github.com/bifurcation/mls-tree-go/provider"
	"github.com/bifurcation/mls-tree-go/treehash"
	"github.com/bifurcation/mls-tree-go/treeindex"
	"github.com/bifurcation/mls-tree-go/treemath"
)

type fakeCS struct{}

func (fakeCS) CipherSuite() provider.CipherSuite { return provider.CipherSuiteX25519AES128GCMSHA256Ed25519 }
func (fakeCS) Hash(_ context.Context, data []byte) ([]byte, error) {
	h := sha256.Sum256(data)
	return h[:], nil
}
func (fakeCS) KDFExtractSize() int                                            { return 32 }
func (fakeCS) KDFExtract(_ context.Context, salt, ikm []byte) ([]byte, error) { return ikm, nil }
func (fakeCS) KDFExpand(_ context.Context, prk, info []byte, length int) ([]byte, error) {
	return make([]byte, length), nil
}
func (fakeCS) KEMGenerate(_ context.Context) ([]byte, []byte, error) { return nil, nil, nil }
func (fakeCS) KEMDerive(_ context.Context, ikm []byte) ([]byte, []byte, error) { return nil, nil, nil }
func (fakeCS) SignatureVerify(_ context.Context, pub, msg, sig []byte) (bool, error) {
	return true, nil
}
func (fakeCS) RandomBytes(_ context.Context, n int) ([]byte, error) { return make([]byte, n), nil }

// fakeIDP treats credential bytes as identity, and rejects a successor
// whose credential ends in "-bad".
type fakeIDP struct{}

func (fakeIDP) Identity(_ context.Context, id node.SigningIdentity) ([]byte, error) {
	return id.Credential, nil
}
func (fakeIDP) ValidSuccessor(_ context.Context, _, newID node.SigningIdentity) (bool, error) {
	s := string(newID.Credential)
	return len(s) < 4 || s[len(s)-4:] != "-bad", nil
}

func leaf(name string) *node.LeafNode {
	return &node.LeafNode{
		Identity:      node.SigningIdentity{Credential: []byte(name), SignatureKey: []byte("sig-" + name)},
		HPKEPublicKey: []byte("pk-" + name),
	}
}

func setup(t *testing.T, names ...string) (*node.NodeVec, *treeindex.TreeIndex, *treehash.Hashes) {
	tree := node.New()
	index := treeindex.New()
	for i, n := range names {
		l := leaf(n)
		tree.InsertLeaf(treemath.LeafIndex(i), l)
		require.NoError(t, index.Insert(l, treemath.LeafIndex(i), l.Identity.Credential))
	}
	h := treehash.New(treemath.NodeWidth(tree.TotalLeafCount()))
	return tree, index, h
}

func TestApplyAddsThreeNewMembers(t *testing.T) {
	tree, index, hashes := setup(t)
	bundle := &batchedit.Bundle{
		Adds: []batchedit.Tagged[batchedit.AddProposal]{
			{Tag: batchedit.ByValue, Proposal: batchedit.AddProposal{NewLeaf: leaf("A")}},
			{Tag: batchedit.ByValue, Proposal: batchedit.AddProposal{NewLeaf: leaf("B")}},
			{Tag: batchedit.ByValue, Proposal: batchedit.AddProposal{NewLeaf: leaf("C")}},
		},
	}

	_, out, err := batchedit.Apply(context.Background(), fakeCS{}, fakeIDP{}, tree, index, hashes, bundle, false)
	require.NoError(t, err)
	require.Equal(t, []treemath.LeafIndex{0, 1, 2}, out.Added)
	require.Equal(t, uint32(3), tree.OccupiedLeafCount())
}

func TestApplyRemoveBlanksLeafAndDirectPath(t *testing.T) {
	tree, index, hashes := setup(t, "A", "B", "C")
	bundle := &batchedit.Bundle{
		Removes: []batchedit.Tagged[batchedit.RemoveProposal]{
			{Tag: batchedit.ByValue, Proposal: batchedit.RemoveProposal{Removed: 1}},
		},
	}

	_, out, err := batchedit.Apply(context.Background(), fakeCS{}, fakeIDP{}, tree, index, hashes, bundle, false)
	require.NoError(t, err)
	require.Len(t, out.Removed, 1)
	require.Equal(t, treemath.LeafIndex(1), out.Removed[0].Index)

	blank, err := tree.IsBlank(treemath.LeafIndex(1).NodeIndex())
	require.NoError(t, err)
	require.True(t, blank)
}

func TestApplyRemoveAlreadyBlankIsFatalInStrictMode(t *testing.T) {
	tree, index, hashes := setup(t, "A", "B", "C")
	_, err := tree.BlankLeafNode(1)
	require.NoError(t, err)

	bundle := &batchedit.Bundle{
		Removes: []batchedit.Tagged[batchedit.RemoveProposal]{
			{Tag: batchedit.ByReference, Proposal: batchedit.RemoveProposal{Removed: 1}},
		},
	}
	_, _, err = batchedit.Apply(context.Background(), fakeCS{}, fakeIDP{}, tree, index, hashes, bundle, false)
	require.Error(t, err)
	var notExisting batchedit.ErrRemovingNonExistingMember
	require.True(t, errors.As(err, &notExisting))
}

func TestApplyRemoveAlreadyBlankIsDroppedInFilterMode(t *testing.T) {
	tree, index, hashes := setup(t, "A", "B", "C")
	_, err := tree.BlankLeafNode(1)
	require.NoError(t, err)

	bundle := &batchedit.Bundle{
		Removes: []batchedit.Tagged[batchedit.RemoveProposal]{
			{Tag: batchedit.ByReference, Proposal: batchedit.RemoveProposal{Removed: 1}},
		},
	}
	kept, out, err := batchedit.Apply(context.Background(), fakeCS{}, fakeIDP{}, tree, index, hashes, bundle, true)
	require.NoError(t, err)
	require.Empty(t, out.Removed)
	require.Empty(t, kept.Removes)
}

func TestApplyUpdateReplacesLeaf(t *testing.T) {
	tree, index, hashes := setup(t, "A", "B", "C")
	bundle := &batchedit.Bundle{
		Updates: []batchedit.Tagged[batchedit.UpdateProposal]{
			{Tag: batchedit.ByValue, Proposal: batchedit.UpdateProposal{
				Sender:  batchedit.Sender{Kind: batchedit.SenderMember, Member: 0},
				NewLeaf: leaf("A2"),
			}},
		},
	}

	_, _, err := batchedit.Apply(context.Background(), fakeCS{}, fakeIDP{}, tree, index, hashes, bundle, false)
	require.NoError(t, err)

	got, err := tree.BorrowLeaf(0)
	require.NoError(t, err)
	require.Equal(t, "A2", string(got.Identity.Credential))
}

func TestApplyUpdateInvalidSuccessorIsFatalInStrictMode(t *testing.T) {
	tree, index, hashes := setup(t, "A", "B", "C")
	bundle := &batchedit.Bundle{
		Updates: []batchedit.Tagged[batchedit.UpdateProposal]{
			{Tag: batchedit.ByValue, Proposal: batchedit.UpdateProposal{
				Sender:  batchedit.Sender{Kind: batchedit.SenderMember, Member: 0},
				NewLeaf: leaf("A-bad"),
			}},
		},
	}

	work, workIndex, workHashes := tree.Clone(), index.Clone(), hashes.Clone()
	_, _, err := batchedit.Apply(context.Background(), fakeCS{}, fakeIDP{}, work, workIndex, workHashes, bundle, false)
	require.Error(t, err)
	var invalid batchedit.ErrInvalidSuccessor
	require.True(t, errors.As(err, &invalid))

	// Apply does not roll back on a fatal error; callers apply it to
	// clones, so the caller's own tree still holds the original leaf.
	got, err := tree.BorrowLeaf(0)
	require.NoError(t, err)
	require.Equal(t, "A", string(got.Identity.Credential))
}

// Scenario 6 (spec.md §8): a batch with a by-value add, a bad-ref
// update, and a by-value remove, in filter mode — the update is
// dropped, add and remove both apply.
func TestApplyMixedBundleFilterMode(t *testing.T) {
	tree, index, hashes := setup(t, "A", "B", "C")
	bundle := &batchedit.Bundle{
		Removes: []batchedit.Tagged[batchedit.RemoveProposal]{
			{Tag: batchedit.ByValue, Proposal: batchedit.RemoveProposal{Removed: 2}},
		},
		Updates: []batchedit.Tagged[batchedit.UpdateProposal]{
			{Tag: batchedit.ByReference, Proposal: batchedit.UpdateProposal{
				Sender:  batchedit.Sender{Kind: batchedit.SenderMember, Member: 0},
				NewLeaf: leaf("A-bad"),
			}},
		},
		Adds: []batchedit.Tagged[batchedit.AddProposal]{
			{Tag: batchedit.ByValue, Proposal: batchedit.AddProposal{NewLeaf: leaf("D")}},
		},
	}

	kept, out, err := batchedit.Apply(context.Background(), fakeCS{}, fakeIDP{}, tree, index, hashes, bundle, true)
	require.NoError(t, err)
	require.Len(t, out.Removed, 1)
	require.Len(t, out.Added, 1)
	require.Empty(t, kept.Updates)
	require.Len(t, kept.Removes, 1)
	require.Len(t, kept.Adds, 1)
}

func TestApplyUpdateMaximalSetRevertsOnCollisionInFilterMode(t *testing.T) {
	tree, index, hashes := setup(t, "A", "B", "C")
	// Both updates collide on the same new identity; in filter mode only
	// one can win, the other must revert to its old leaf rather than
	// erroring.
	bundle := &batchedit.Bundle{
		Updates: []batchedit.Tagged[batchedit.UpdateProposal]{
			{Tag: batchedit.ByValue, Proposal: batchedit.UpdateProposal{
				Sender:  batchedit.Sender{Kind: batchedit.SenderMember, Member: 0},
				NewLeaf: leaf("SAME"),
			}},
			{Tag: batchedit.ByValue, Proposal: batchedit.UpdateProposal{
				Sender:  batchedit.Sender{Kind: batchedit.SenderMember, Member: 1},
				NewLeaf: leaf("SAME"),
			}},
		},
	}

	_, _, err := batchedit.Apply(context.Background(), fakeCS{}, fakeIDP{}, tree, index, hashes, bundle, true)
	require.NoError(t, err)

	l0, err := tree.BorrowLeaf(0)
	require.NoError(t, err)
	l1, err := tree.BorrowLeaf(1)
	require.NoError(t, err)

	names := map[string]bool{string(l0.Identity.Credential): true, string(l1.Identity.Credential): true}
	require.True(t, names["SAME"])
	require.True(t, names["A"] || names["B"])
}

func TestApplyUpdateMaximalSetCollisionAbortsInStrictMode(t *testing.T) {
	tree, index, hashes := setup(t, "A", "B", "C")
	// In strict mode, a collision that is merely not applicable (the
	// reverted leaf still fits) is not silently dropped: the first bad
	// proposal aborts the whole edit.
	bundle := &batchedit.Bundle{
		Updates: []batchedit.Tagged[batchedit.UpdateProposal]{
			{Tag: batchedit.ByValue, Proposal: batchedit.UpdateProposal{
				Sender:  batchedit.Sender{Kind: batchedit.SenderMember, Member: 0},
				NewLeaf: leaf("SAME"),
			}},
			{Tag: batchedit.ByValue, Proposal: batchedit.UpdateProposal{
				Sender:  batchedit.Sender{Kind: batchedit.SenderMember, Member: 1},
				NewLeaf: leaf("SAME"),
			}},
		},
	}

	_, _, err := batchedit.Apply(context.Background(), fakeCS{}, fakeIDP{}, tree, index, hashes, bundle, false)
	require.Error(t, err)
	var dup treeindex.ErrDuplicateLeafData
	require.True(t, errors.As(err, &dup))
}
