package parenthash_test

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bifurcation/mls-tree-go/node"
	"github.com/bifurcation/mls-tree-go/parenthash"
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

func fourLeafTreeWithParents(t *testing.T) *node.NodeVec {
	v := node.New()
	for i, name := range []string{"A", "B", "C", "D"} {
		v.InsertLeaf(treemath.LeafIndex(i), &node.LeafNode{
			Identity:      node.SigningIdentity{Credential: []byte(name)},
			HPKEPublicKey: []byte("pk-" + name),
		})
	}
	path, err := v.DirectPath(0)
	require.NoError(t, err)
	for _, n := range path {
		_, err := v.BorrowOrFillNodeAsParent(n, []byte("pub"))
		require.NoError(t, err)
	}
	return v
}

func TestComputeThenVerifySucceedsWhenHashesAreInstalled(t *testing.T) {
	v := fourLeafTreeWithParents(t)
	cs := fakeCS{}

	original, err := treehash.ComputeOriginalHashes(context.Background(), cs, v)
	require.NoError(t, err)

	chain, err := parenthash.Compute(context.Background(), cs, v, 0, original)
	require.NoError(t, err)
	require.NotEmpty(t, chain)

	path, err := v.DirectPath(0)
	require.NoError(t, err)
	for i, n := range path {
		p, err := v.BorrowAsParent(n)
		require.NoError(t, err)
		p.ParentHash = chain[i]
	}

	require.NoError(t, parenthash.Verify(context.Background(), cs, v, 0, original))
}

func TestVerifyFailsWhenParentHashTampered(t *testing.T) {
	v := fourLeafTreeWithParents(t)
	cs := fakeCS{}

	original, err := treehash.ComputeOriginalHashes(context.Background(), cs, v)
	require.NoError(t, err)
	chain, err := parenthash.Compute(context.Background(), cs, v, 0, original)
	require.NoError(t, err)

	path, err := v.DirectPath(0)
	require.NoError(t, err)
	for i, n := range path {
		p, err := v.BorrowAsParent(n)
		require.NoError(t, err)
		p.ParentHash = chain[i]
	}

	root, err := v.BorrowAsParent(path[len(path)-1])
	require.NoError(t, err)
	root.ParentHash = []byte("tampered")

	err = parenthash.Verify(context.Background(), cs, v, 0, original)
	require.Error(t, err)
	var mismatch parenthash.ErrParentHashMismatch
	require.ErrorAs(t, err, &mismatch)
}
