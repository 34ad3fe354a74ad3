package testvectors_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bifurcation/mls-tree-go/node"
	"github.com/bifurcation/mls-tree-go/provider"
	"github.com/bifurcation/mls-tree-go/testvectors"
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

const fixtureYAML = `
cases:
  - name: two-leaves
    cipher_suite: 1
    leaves:
      - credential: "41"
        signature_key: "5349472d41"
        hpke_public_key: "706b2d41"
      - credential: "42"
        signature_key: "5349472d42"
        hpke_public_key: "706b2d42"
    root_hash: ""
`

func TestLoadParsesCasesAndLeaves(t *testing.T) {
	f, err := testvectors.Load(strings.NewReader(fixtureYAML))
	require.NoError(t, err)
	require.Len(t, f.Cases, 1)

	c := f.Cases[0]
	require.Equal(t, "two-leaves", c.Name)
	require.Len(t, c.Leaves, 2)

	leaf, err := c.Leaves[0].Leaf()
	require.NoError(t, err)
	require.Equal(t, []byte("A"), leaf.Identity.Credential)
	require.Equal(t, []byte("pk-A"), leaf.HPKEPublicKey)
}

// TestFixtureTreeHashIsComputable exercises the full loader -> tree ->
// treehash.Update path against a fixture, without asserting a specific
// vendored root hash (the fixture above carries none).
func TestFixtureTreeHashIsComputable(t *testing.T) {
	f, err := testvectors.Load(strings.NewReader(fixtureYAML))
	require.NoError(t, err)
	c := f.Cases[0]

	tree := node.New()
	for i, lf := range c.Leaves {
		leaf, err := lf.Leaf()
		require.NoError(t, err)
		tree.InsertLeaf(treemath.LeafIndex(i), leaf)
	}

	hashes := treehash.New(treemath.NodeWidth(tree.TotalLeafCount()))
	require.NoError(t, hashes.Update(context.Background(), fakeCS{}, tree, nil))

	root, err := hashes.Root(tree.TotalLeafCount())
	require.NoError(t, err)
	require.NotEmpty(t, root)
	require.Equal(t, 32, len(root))
}

func TestDecodeHashRejectsInvalidHex(t *testing.T) {
	_, err := testvectors.DecodeHash("not-hex")
	require.Error(t, err)
	_, err = hex.DecodeString("zz")
	require.Error(t, err)
}
