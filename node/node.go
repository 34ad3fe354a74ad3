// Package node implements NodeVec: the array-based storage of a
// left-balanced binary ratchet tree, and the leaf/parent node payloads it
// holds. Blank, leaf, and parent slots are discriminated by which of the
// two pointer fields on Node is non-nil — the Go analogue of an
// Option<Node> enum — so the hot accessors (IsBlank, IsLeaf, DirectPath
// filtering) are a single nil check rather than a type switch.
package node

import (
	"fmt"

	"github.com/bifurcation/mls-tree-go/treemath"
)

// ErrInvalidNodeIndex is returned when an accessor is given an index that
// is out of range for the current tree, or whose slot does not hold the
// kind of node (leaf vs. parent) the accessor expects.
type ErrInvalidNodeIndex struct {
	Index uint32
	Want  string // "leaf", "parent", or "" for a bare range error
}

func (e ErrInvalidNodeIndex) Error() string {
	if e.Want == "" {
		return fmt.Sprintf("node: invalid node index %d", e.Index)
	}
	return fmt.Sprintf("node: node %d is not a %s", e.Index, e.Want)
}

// SigningIdentity is the credential and signature public key of a member.
// The core never interprets the credential bytes itself — that's the
// identity provider's job — it only ever compares them for equality or
// passes them to the provider.
type SigningIdentity struct {
	Credential   []byte
	SignatureKey []byte
}

// Capabilities declares what a leaf's client supports.
type Capabilities struct {
	CipherSuites    []uint16
	Extensions      []uint16
	ProposalTypes   []uint16
	CredentialTypes []uint16
}

// Supports reports whether pt appears in ProposalTypes. The MLS base
// proposal types (add/update/remove, 0x01-0x03) are implicitly supported
// by every client and are not required to be listed.
func (c Capabilities) Supports(pt uint16) bool {
	if pt >= 1 && pt <= 3 {
		return true
	}
	for _, t := range c.ProposalTypes {
		if t == pt {
			return true
		}
	}
	return false
}

// Extension is an opaque, typed extension payload attached to a leaf node.
type Extension struct {
	Type uint16
	Data []byte
}

// Lifetime bounds when a leaf node's key material is considered valid,
// as Unix seconds.
type Lifetime struct {
	NotBefore uint64
	NotAfter  uint64
}

// LeafNodeSourceKind discriminates why a leaf node was produced.
type LeafNodeSourceKind uint8

const (
	SourceKeyPackage LeafNodeSourceKind = iota
	SourceUpdate
	SourceCommit
)

// LeafNodeSource records how a leaf node was introduced. Only SourceCommit
// carries a parent hash: it is the value the committer's direct-path
// application must reproduce (see package parenthash).
type LeafNodeSource struct {
	Kind       LeafNodeSourceKind
	ParentHash []byte // only meaningful when Kind == SourceCommit
}

// LeafNode is one group member's public key material, identity, and
// declared capabilities, plus the signature binding them together.
type LeafNode struct {
	Identity      SigningIdentity
	HPKEPublicKey []byte
	Capabilities  Capabilities
	Extensions    []Extension
	Lifetime      Lifetime
	Source        LeafNodeSource
	Signature     []byte
}

// Clone returns a deep copy, used whenever a leaf is staged for an update
// or restored after a failed one.
func (l *LeafNode) Clone() *LeafNode {
	if l == nil {
		return nil
	}
	c := *l
	c.HPKEPublicKey = append([]byte(nil), l.HPKEPublicKey...)
	c.Signature = append([]byte(nil), l.Signature...)
	c.Identity.Credential = append([]byte(nil), l.Identity.Credential...)
	c.Identity.SignatureKey = append([]byte(nil), l.Identity.SignatureKey...)
	c.Capabilities.CipherSuites = append([]uint16(nil), l.Capabilities.CipherSuites...)
	c.Capabilities.Extensions = append([]uint16(nil), l.Capabilities.Extensions...)
	c.Capabilities.ProposalTypes = append([]uint16(nil), l.Capabilities.ProposalTypes...)
	c.Capabilities.CredentialTypes = append([]uint16(nil), l.Capabilities.CredentialTypes...)
	c.Extensions = append([]Extension(nil), l.Extensions...)
	c.Source.ParentHash = append([]byte(nil), l.Source.ParentHash...)
	return &c
}

// ParentNode is an internal tree node's shared HPKE public key, the
// parent-hash linking it to its predecessor on some committer's direct
// path, and the unmerged-leaves bookkeeping described in spec.md §3.
type ParentNode struct {
	HPKEPublicKey  []byte
	ParentHash     []byte
	UnmergedLeaves []treemath.LeafIndex // sorted ascending, deduplicated
}

// Clone returns a deep copy.
func (p *ParentNode) Clone() *ParentNode {
	if p == nil {
		return nil
	}
	c := *p
	c.HPKEPublicKey = append([]byte(nil), p.HPKEPublicKey...)
	c.ParentHash = append([]byte(nil), p.ParentHash...)
	c.UnmergedLeaves = append([]treemath.LeafIndex(nil), p.UnmergedLeaves...)
	return &c
}

// AddUnmerged inserts leaf into the sorted, deduplicated unmerged-leaves
// list, maintaining invariant P2 (strictly increasing).
func (p *ParentNode) AddUnmerged(leaf treemath.LeafIndex) {
	i := 0
	for i < len(p.UnmergedLeaves) && p.UnmergedLeaves[i] < leaf {
		i++
	}
	if i < len(p.UnmergedLeaves) && p.UnmergedLeaves[i] == leaf {
		return
	}
	p.UnmergedLeaves = append(p.UnmergedLeaves, 0)
	copy(p.UnmergedLeaves[i+1:], p.UnmergedLeaves[i:])
	p.UnmergedLeaves[i] = leaf
}

// Node is one slot of the tree's array storage: blank when both fields
// are nil, otherwise exactly one of Leaf/Parent is set.
type Node struct {
	Leaf   *LeafNode
	Parent *ParentNode
}

// IsBlank reports whether the slot holds neither a leaf nor a parent.
func (n Node) IsBlank() bool {
	return n.Leaf == nil && n.Parent == nil
}

// Clone returns a deep copy of the slot.
func (n Node) Clone() Node {
	return Node{Leaf: n.Leaf.Clone(), Parent: n.Parent.Clone()}
}
