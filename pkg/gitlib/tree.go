package gitlib

import (
	git2go "github.com/libgit2/git2go/v34"
)

// EntryType classifies a tree entry.
type EntryType int

// Tree entry types.
const (
	EntryBlob EntryType = iota
	EntryTree
	// EntryCommit is a submodule gitlink.
	EntryCommit
)

// Tree wraps a libgit2 tree.
type Tree struct {
	tree *git2go.Tree
}

// TreeEntry is one named child of a tree.
type TreeEntry struct {
	Name string
	Hash Hash
	Type EntryType
}

// Hash returns the tree hash.
func (t *Tree) Hash() Hash {
	return HashFromOid(t.tree.Id())
}

// Entries returns the entries of the tree in stored order.
// Entries of unknown type are skipped.
func (t *Tree) Entries() []TreeEntry {
	n := t.tree.EntryCount()
	entries := make([]TreeEntry, 0, n)

	for i := range n {
		entry := t.tree.EntryByIndex(i)
		if entry == nil {
			continue
		}

		var kind EntryType

		switch entry.Type {
		case git2go.ObjectBlob:
			kind = EntryBlob
		case git2go.ObjectTree:
			kind = EntryTree
		case git2go.ObjectCommit:
			kind = EntryCommit
		default:
			continue
		}

		entries = append(entries, TreeEntry{Name: entry.Name, Hash: HashFromOid(entry.Id), Type: kind})
	}

	return entries
}

// Free releases the tree resources.
func (t *Tree) Free() {
	if t.tree != nil {
		t.tree.Free()
		t.tree = nil
	}
}
