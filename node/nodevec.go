package node

import (
	"github.com/bifurcation/mls-tree-go/treemath"
)

// NodeVec is the array storage of a left-balanced binary ratchet tree.
// Its length is always 0 or 2L-1 for some L >= 1 (invariant P1); trailing
// blanks are permitted mid-edit but Trim restores the invariant.
type NodeVec struct {
	nodes []Node
}

// New returns an empty NodeVec.
func New() *NodeVec {
	return &NodeVec{}
}

// FromSlice wraps an already-built node slice, e.g. after decoding the
// wire form. The caller is responsible for the slice having length 0 or
// 2L-1; Trim can be used to restore that after an irregular import.
func FromSlice(nodes []Node) *NodeVec {
	return &NodeVec{nodes: nodes}
}

// Export returns the raw node slice, e.g. for wire encoding. The returned
// slice aliases internal storage and must not be mutated by the caller.
func (v *NodeVec) Export() []Node {
	return v.nodes
}

// TotalLeafCount returns the number of leaf slots the tree currently has
// room for (occupied or blank).
func (v *NodeVec) TotalLeafCount() uint32 {
	if len(v.nodes) == 0 {
		return 0
	}
	return uint32(len(v.nodes)+1) / 2
}

// OccupiedLeafCount returns the number of non-blank leaf slots.
func (v *NodeVec) OccupiedLeafCount() uint32 {
	var c uint32
	for i := 0; i < len(v.nodes); i += 2 {
		if v.nodes[i].Leaf != nil {
			c++
		}
	}
	return c
}

func (v *NodeVec) inRange(n treemath.NodeIndex) bool {
	return uint32(n) < uint32(len(v.nodes))
}

// IsBlank reports whether node n is blank.
func (v *NodeVec) IsBlank(n treemath.NodeIndex) (bool, error) {
	if !v.inRange(n) {
		return false, ErrInvalidNodeIndex{Index: uint32(n)}
	}
	return v.nodes[n].IsBlank(), nil
}

// IsLeaf reports whether node index n addresses a leaf slot (regardless
// of whether it is occupied).
func (v *NodeVec) IsLeaf(n treemath.NodeIndex) (bool, error) {
	if !v.inRange(n) {
		return false, ErrInvalidNodeIndex{Index: uint32(n)}
	}
	return n.IsLeafIndex(), nil
}

// BorrowAsLeaf returns the leaf at node index n. n must address a leaf
// slot (see IsLeaf); a blank leaf slot returns (nil, nil).
func (v *NodeVec) BorrowAsLeaf(n treemath.NodeIndex) (*LeafNode, error) {
	if !v.inRange(n) {
		return nil, ErrInvalidNodeIndex{Index: uint32(n)}
	}
	if !n.IsLeafIndex() {
		return nil, ErrInvalidNodeIndex{Index: uint32(n), Want: "leaf"}
	}
	return v.nodes[n].Leaf, nil
}

// BorrowLeaf returns the leaf at the given leaf index.
func (v *NodeVec) BorrowLeaf(l treemath.LeafIndex) (*LeafNode, error) {
	return v.BorrowAsLeaf(l.NodeIndex())
}

// BorrowAsParent returns the parent node at node index n. A blank parent
// slot returns (nil, nil).
func (v *NodeVec) BorrowAsParent(n treemath.NodeIndex) (*ParentNode, error) {
	if !v.inRange(n) {
		return nil, ErrInvalidNodeIndex{Index: uint32(n)}
	}
	if n.IsLeafIndex() {
		return nil, ErrInvalidNodeIndex{Index: uint32(n), Want: "parent"}
	}
	return v.nodes[n].Parent, nil
}

// BorrowOrFillNodeAsParent returns the parent node at n, materializing a
// blank slot with defaultPub as its HPKE public key and an empty
// unmerged-leaves list if necessary.
func (v *NodeVec) BorrowOrFillNodeAsParent(n treemath.NodeIndex, defaultPub []byte) (*ParentNode, error) {
	if !v.inRange(n) {
		return nil, ErrInvalidNodeIndex{Index: uint32(n)}
	}
	if n.IsLeafIndex() {
		return nil, ErrInvalidNodeIndex{Index: uint32(n), Want: "parent"}
	}
	if v.nodes[n].Parent == nil {
		v.nodes[n].Parent = &ParentNode{HPKEPublicKey: append([]byte(nil), defaultPub...)}
	}
	return v.nodes[n].Parent, nil
}

// DirectPath returns the node indices from leaf's parent up to the root.
func (v *NodeVec) DirectPath(leaf treemath.LeafIndex) ([]treemath.NodeIndex, error) {
	return treemath.DirectPath(leaf, v.TotalLeafCount())
}

// Copath returns the sibling of each node on leaf's direct path.
func (v *NodeVec) Copath(leaf treemath.LeafIndex) ([]treemath.NodeIndex, error) {
	return treemath.Copath(leaf, v.TotalLeafCount())
}

// resolutionEmpty reports whether node n contributes no key material at
// all: it and every node in its subtree are blank.
func (v *NodeVec) resolutionEmpty(n treemath.NodeIndex) bool {
	if !v.inRange(n) {
		return true
	}
	if !v.nodes[n].IsBlank() {
		return false
	}
	if n.IsLeafIndex() {
		return true
	}
	l, errL := treemath.Left(n)
	r, errR := treemath.Right(n)
	for errR == nil && !v.inRange(r) {
		r, errR = treemath.Left(r)
	}
	if errL != nil || errR != nil {
		return true
	}
	return v.resolutionEmpty(l) && v.resolutionEmpty(r)
}

// Filtered returns, for each node on committer's copath (in the same
// order as Copath), whether that node's resolution is empty — i.e.
// whether a commit's update path can skip encrypting a path secret to it.
func (v *NodeVec) Filtered(committer treemath.LeafIndex) ([]bool, error) {
	co, err := v.Copath(committer)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(co))
	for i, n := range co {
		out[i] = v.resolutionEmpty(n)
	}
	return out, nil
}

// LeafEntry pairs an occupied leaf with its index.
type LeafEntry struct {
	Index treemath.LeafIndex
	Leaf  *LeafNode
}

// NonEmptyLeaves returns every occupied leaf in ascending index order.
func (v *NodeVec) NonEmptyLeaves() []LeafEntry {
	var out []LeafEntry
	total := v.TotalLeafCount()
	for i := uint32(0); i < total; i++ {
		li := treemath.LeafIndex(i)
		if leaf := v.nodes[li.NodeIndex()].Leaf; leaf != nil {
			out = append(out, LeafEntry{Index: li, Leaf: leaf})
		}
	}
	return out
}

// Leaves returns every leaf slot (nil for blanks) in ascending index order.
func (v *NodeVec) Leaves() []*LeafNode {
	total := v.TotalLeafCount()
	out := make([]*LeafNode, total)
	for i := uint32(0); i < total; i++ {
		out[i] = v.nodes[treemath.LeafIndex(i).NodeIndex()].Leaf
	}
	return out
}

// NextEmptyLeaf returns the first blank leaf index >= start, or the index
// one past the current leaf count (i.e. an append position) if none exist.
func (v *NodeVec) NextEmptyLeaf(start treemath.LeafIndex) treemath.LeafIndex {
	total := v.TotalLeafCount()
	for i := uint32(start); i < total; i++ {
		li := treemath.LeafIndex(i)
		if v.nodes[li.NodeIndex()].Leaf == nil {
			return li
		}
	}
	return treemath.LeafIndex(total)
}

// InsertLeaf writes leaf at index i, extending the array with blanks as
// needed so the tree remains sized 2L-1 for the new leaf count.
func (v *NodeVec) InsertLeaf(i treemath.LeafIndex, leaf *LeafNode) {
	needLeaves := uint32(i) + 1
	if needLeaves > v.TotalLeafCount() {
		v.growTo(needLeaves)
	}
	v.nodes[i.NodeIndex()] = Node{Leaf: leaf}
}

// growTo extends the backing array so it has room for n leaves, filling
// every new slot blank.
func (v *NodeVec) growTo(n uint32) {
	width := int(treemath.NodeWidth(n))
	if width <= len(v.nodes) {
		return
	}
	grown := make([]Node, width)
	copy(grown, v.nodes)
	v.nodes = grown
}

// BlankLeafNode blanks leaf i, returning the leaf that was there. It
// returns (nil, nil) if the slot was already blank, and an
// ErrInvalidNodeIndex if i is out of range for the current tree.
func (v *NodeVec) BlankLeafNode(i treemath.LeafIndex) (*LeafNode, error) {
	n := i.NodeIndex()
	if !v.inRange(n) {
		return nil, ErrInvalidNodeIndex{Index: uint32(n)}
	}
	old := v.nodes[n].Leaf
	v.nodes[n].Leaf = nil
	return old, nil
}

// SetParent installs p (nil to blank) at node index n, replacing
// whatever was previously there. Used by package updatepath to install
// a committer's direct-path entries one step at a time, where
// BorrowOrFillNodeAsParent's materialize-if-blank semantics and
// BlankDirectPath's blank-the-whole-path semantics are both too coarse.
func (v *NodeVec) SetParent(n treemath.NodeIndex, p *ParentNode) error {
	if !v.inRange(n) {
		return ErrInvalidNodeIndex{Index: uint32(n)}
	}
	if n.IsLeafIndex() {
		return ErrInvalidNodeIndex{Index: uint32(n), Want: "parent"}
	}
	v.nodes[n].Parent = p
	return nil
}

// BlankDirectPath blanks every node on leaf i's direct path to the root.
func (v *NodeVec) BlankDirectPath(i treemath.LeafIndex) error {
	path, err := v.DirectPath(i)
	if err != nil {
		return err
	}
	for _, n := range path {
		if v.inRange(n) {
			v.nodes[n] = Node{}
		}
	}
	return nil
}

// Trim drops trailing blank leaves (and their ancestors) so the last leaf
// is non-blank, preserving the 2L-1 sizing invariant. An all-blank tree
// is trimmed to length 0.
func (v *NodeVec) Trim() {
	total := v.TotalLeafCount()
	last := int64(-1)
	for i := uint32(0); i < total; i++ {
		if v.nodes[treemath.LeafIndex(i).NodeIndex()].Leaf != nil {
			last = int64(i)
		}
	}
	if last < 0 {
		v.nodes = nil
		return
	}
	newWidth := treemath.NodeWidth(uint32(last) + 1)
	v.nodes = v.nodes[:newWidth]
}

// Clone returns a deep copy of the node vector, used by callers before a
// speculative edit so a failure leaves the original untouched (§5).
func (v *NodeVec) Clone() *NodeVec {
	out := make([]Node, len(v.nodes))
	for i, n := range v.nodes {
		out[i] = n.Clone()
	}
	return &NodeVec{nodes: out}
}

// Equal reports whether two node vectors describe the same tree contents,
// implementing the NodeVec-only equality TreeKemPublic uses (spec.md §3:
// "Equality is defined by the node array alone").
func (v *NodeVec) Equal(other *NodeVec) bool {
	if v == nil || other == nil {
		return v == other
	}
	return nodesEqual(v.nodes, other.nodes)
}

func nodesEqual(a, b []Node) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !leafEqual(a[i].Leaf, b[i].Leaf) || !parentEqual(a[i].Parent, b[i].Parent) {
			return false
		}
	}
	return true
}

func leafEqual(a, b *LeafNode) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	return string(a.HPKEPublicKey) == string(b.HPKEPublicKey) &&
		string(a.Identity.Credential) == string(b.Identity.Credential) &&
		string(a.Signature) == string(b.Signature)
}

func parentEqual(a, b *ParentNode) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	if a == nil {
		return true
	}
	if string(a.HPKEPublicKey) != string(b.HPKEPublicKey) || string(a.ParentHash) != string(b.ParentHash) {
		return false
	}
	if len(a.UnmergedLeaves) != len(b.UnmergedLeaves) {
		return false
	}
	for i := range a.UnmergedLeaves {
		if a.UnmergedLeaves[i] != b.UnmergedLeaves[i] {
			return false
		}
	}
	return true
}
