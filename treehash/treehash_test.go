package treehash_test

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bifurcation/mls-tree-go/node"
	"github.com/bifurcation/mls-tree-go/provider"
	"github.com/bifurcation/mls-tree-go/treehash"
	"github.com/bifurcation/mls-tree-go/treemath"
)

type fakeCS struct{}

func (fakeCS) CipherSuite() provider.CipherSuite { return provider.CipherSuiteX25519AES128GCMSHA256Ed25519 }
func (fakeCS) Hash(_ context.Context, data []byte) ([]byte, error) {
	h := sha256.Sum256(data)
	return h[:], nil
}
func (fakeCS) KDFExtractSize() int { return 32 }
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

func threeLeafTree() *node.NodeVec {
	v := node.New()
	for i, name := range []string{"A", "B", "C"} {
		v.InsertLeaf(treemath.LeafIndex(i), &node.LeafNode{
			Identity:      node.SigningIdentity{Credential: []byte(name)},
			HPKEPublicKey: []byte("pk-" + name),
		})
	}
	return v
}

func TestUpdateProducesRootHash(t *testing.T) {
	v := threeLeafTree()
	h := treehash.New(treemath.NodeWidth(v.TotalLeafCount()))

	dirty := []treemath.LeafIndex{0, 1, 2}
	require.NoError(t, h.Update(context.Background(), fakeCS{}, v, dirty))

	root, err := h.Root(v.TotalLeafCount())
	require.NoError(t, err)
	require.Len(t, root, 32)
}

func TestUpdateIsDeterministic(t *testing.T) {
	v := threeLeafTree()
	h1 := treehash.New(treemath.NodeWidth(v.TotalLeafCount()))
	h2 := treehash.New(treemath.NodeWidth(v.TotalLeafCount()))

	dirty := []treemath.LeafIndex{0, 1, 2}
	require.NoError(t, h1.Update(context.Background(), fakeCS{}, v, dirty))
	require.NoError(t, h2.Update(context.Background(), fakeCS{}, v, dirty))

	r1, _ := h1.Root(v.TotalLeafCount())
	r2, _ := h2.Root(v.TotalLeafCount())
	require.Equal(t, r1, r2)
}

func TestChangingALeafChangesTheRootHash(t *testing.T) {
	v := threeLeafTree()
	h := treehash.New(treemath.NodeWidth(v.TotalLeafCount()))
	require.NoError(t, h.Update(context.Background(), fakeCS{}, v, []treemath.LeafIndex{0, 1, 2}))
	before, _ := h.Root(v.TotalLeafCount())

	v.InsertLeaf(0, &node.LeafNode{
		Identity:      node.SigningIdentity{Credential: []byte("A2")},
		HPKEPublicKey: []byte("pk-A2"),
	})
	require.NoError(t, h.Update(context.Background(), fakeCS{}, v, []treemath.LeafIndex{0}))
	after, _ := h.Root(v.TotalLeafCount())

	require.NotEqual(t, before, after)
}

func TestComputeOriginalHashesMatchesCurrentWhenNoUnmergedLeaves(t *testing.T) {
	v := threeLeafTree()
	h := treehash.New(treemath.NodeWidth(v.TotalLeafCount()))
	require.NoError(t, h.Update(context.Background(), fakeCS{}, v, []treemath.LeafIndex{0, 1, 2}))

	original, err := treehash.ComputeOriginalHashes(context.Background(), fakeCS{}, v)
	require.NoError(t, err)

	root := treemath.Root(v.TotalLeafCount())
	currentRoot, _ := h.Root(v.TotalLeafCount())
	require.Equal(t, currentRoot, original[root])
}
