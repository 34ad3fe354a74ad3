// Package testvectors loads the ratchet tree's cross-implementation
// YAML test fixtures: a tree built from a fixed set of leaves, and the
// root tree hash (and per-leaf parent-hash chain) another
// implementation computed for it. Mirrors the teacher's spectests/
// fixture-loading convention — there, consensus-spec JSON/YAML test
// vectors keyed by fork and type name; here, ratchet-tree vectors keyed
// by cipher suite and scenario name.
package testvectors

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bifurcation/mls-tree-go/node"
)

// LeafFixture is one leaf's wire-level material, hex-encoded the way
// the YAML fixtures store it.
type LeafFixture struct {
	Credential    string `yaml:"credential"`
	SignatureKey  string `yaml:"signature_key"`
	HPKEPublicKey string `yaml:"hpke_public_key"`
}

// Case is one test vector: a tree built from Leaves (in order, starting
// empty), plus the root tree hash and per-leaf parent-hash chain a
// reference implementation produced for it.
type Case struct {
	Name         string        `yaml:"name"`
	CipherSuite  uint16        `yaml:"cipher_suite"`
	Leaves       []LeafFixture `yaml:"leaves"`
	RootHash     string        `yaml:"root_hash"`
	ParentHashes []string      `yaml:"parent_hashes"`
}

// File is a parsed fixture file: a named collection of Cases.
type File struct {
	Cases []Case `yaml:"cases"`
}

// Load parses a fixture file from r.
func Load(r io.Reader) (*File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("testvectors: reading fixture: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("testvectors: parsing fixture: %w", err)
	}
	return &f, nil
}

// LoadFile opens and parses the fixture file at path.
func LoadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("testvectors: opening %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Leaf decodes a fixture leaf into a node.LeafNode with empty
// capabilities/extensions — test vectors exercise tree/hash shape, not
// capability negotiation.
func (l LeafFixture) Leaf() (*node.LeafNode, error) {
	credential, err := hex.DecodeString(l.Credential)
	if err != nil {
		return nil, fmt.Errorf("testvectors: decoding credential: %w", err)
	}
	sigKey, err := hex.DecodeString(l.SignatureKey)
	if err != nil {
		return nil, fmt.Errorf("testvectors: decoding signature_key: %w", err)
	}
	pub, err := hex.DecodeString(l.HPKEPublicKey)
	if err != nil {
		return nil, fmt.Errorf("testvectors: decoding hpke_public_key: %w", err)
	}
	return &node.LeafNode{
		Identity:      node.SigningIdentity{Credential: credential, SignatureKey: sigKey},
		HPKEPublicKey: pub,
	}, nil
}

// DecodeHash hex-decodes one of Case's expected hash fields.
func DecodeHash(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("testvectors: decoding hash %q: %w", s, err)
	}
	return b, nil
}
