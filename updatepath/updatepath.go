// Package updatepath applies a committer's validated update path to
// the tree (spec.md §4.4): replace the committer's leaf, install each
// direct-path entry (or leave it blank), then verify the resulting
// parent-hash chain matches what the committer declared. Grounded on
// aws-mls/src/tree_kem/mod.rs's apply_update_path.
package updatepath

import (
	"bytes"
	"context"
	"fmt"

	"github.com/bifurcation/mls-tree-go/node"
	"github.com/bifurcation/mls-tree-go/parenthash"
	"github.com/bifurcation/mls-tree-go/provider"
	"github.com/bifurcation/mls-tree-go/treehash"
	"github.com/bifurcation/mls-tree-go/treeindex"
	"github.com/bifurcation/mls-tree-go/treemath"
)

// Step is one entry of a committer's direct path: a new public key
// for that ancestor, or nil to leave it blank (spec.md §4.4: "possibly
// None to blank").
type Step struct {
	PublicKey []byte
}

// Path is a committer's full update path: a replacement leaf plus one
// Step per position of that leaf's direct path, in the same order as
// treemath.DirectPath.
type Path struct {
	Leaf  *node.LeafNode
	Steps []*Step
}

// Apply installs path at committer's position in tree, updates index
// to reflect the identity change, clears unmerged-leaves on every
// newly-keyed ancestor, recomputes hashes dirtied by the change, and
// verifies the resulting parent-hash chain against the committer's
// declared parent hash (path.Leaf.Source.ParentHash, valid only when
// path.Leaf.Source.Kind is node.SourceCommit).
//
// All steps mutate tree/index/hashes directly; by convention (spec.md
// §5) the caller passes a clone so a failure's partial mutation can be
// discarded rather than rolled back in place.
func Apply(ctx context.Context, cs provider.CipherSuiteProvider, idp provider.IdentityProvider, tree *node.NodeVec, index *treeindex.TreeIndex, hashes *treehash.Hashes, committer treemath.LeafIndex, path *Path) error {
	if err := replaceLeaf(ctx, idp, tree, index, committer, path.Leaf); err != nil {
		return err
	}

	dp, err := tree.DirectPath(committer)
	if err != nil {
		return err
	}
	if len(dp) != len(path.Steps) {
		return ErrPathLengthMismatch{Want: len(dp), Got: len(path.Steps)}
	}

	// Compute original hashes before any direct-path node is
	// overwritten: verification must bind to the tree as it stood
	// immediately before this commit applied, per spec.md §4.6.
	original, err := treehash.ComputeOriginalHashes(ctx, cs, tree)
	if err != nil {
		return err
	}

	for i, n := range dp {
		step := path.Steps[i]
		if step == nil {
			if err := tree.SetParent(n, nil); err != nil {
				return err
			}
			continue
		}
		if err := tree.SetParent(n, &node.ParentNode{HPKEPublicKey: append([]byte(nil), step.PublicKey...)}); err != nil {
			return err
		}
	}

	chain, err := parenthash.Compute(ctx, cs, tree, committer, original)
	if err != nil {
		return err
	}
	for i, n := range dp {
		p, err := tree.BorrowAsParent(n)
		if err != nil {
			return err
		}
		if p == nil {
			continue
		}
		p.ParentHash = chain[i]
	}

	if err := hashes.Update(ctx, cs, tree, []treemath.LeafIndex{committer}); err != nil {
		return err
	}

	if path.Leaf.Source.Kind == node.SourceCommit {
		if len(chain) == 0 || !bytes.Equal(path.Leaf.Source.ParentHash, chain[0]) {
			return parenthash.ErrParentHashMismatch{Node: committer.NodeIndex()}
		}
	}
	return nil
}

func replaceLeaf(ctx context.Context, idp provider.IdentityProvider, tree *node.NodeVec, index *treeindex.TreeIndex, committer treemath.LeafIndex, newLeaf *node.LeafNode) error {
	old, err := tree.BorrowLeaf(committer)
	if err != nil {
		return err
	}
	newIdentity, err := idp.Identity(ctx, newLeaf.Identity)
	if err != nil {
		return provider.ErrIdentityProvider{Err: err}
	}

	if old != nil {
		oldIdentity, err := idp.Identity(ctx, old.Identity)
		if err != nil {
			return provider.ErrIdentityProvider{Err: err}
		}
		index.Remove(old, oldIdentity)
	}

	if err := index.Insert(newLeaf, committer, newIdentity); err != nil {
		if old != nil {
			oldIdentity, idErr := idp.Identity(ctx, old.Identity)
			if idErr == nil {
				index.Insert(old, committer, oldIdentity)
			}
		}
		return err
	}

	tree.InsertLeaf(committer, newLeaf)
	return nil
}

// ErrPathLengthMismatch is returned when a supplied update path does
// not carry exactly one step per direct-path position.
type ErrPathLengthMismatch struct{ Want, Got int }

func (e ErrPathLengthMismatch) Error() string {
	return fmt.Sprintf("updatepath: path has %d steps, want %d for the committer's direct path", e.Got, e.Want)
}
