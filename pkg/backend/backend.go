// Package backend defines the port through which the indexer reads a
// version-control repository, and the drivers that implement it.
package backend

import (
	"context"
	"errors"
	"io"
	"time"
)

// Error taxonomy shared by every driver. Drivers wrap their library errors so
// that errors.Is matches one of these.
var (
	// ErrObjectNotFound means the requested commit, tree, blob or ref does not exist.
	ErrObjectNotFound = errors.New("object not found")
	// ErrCorruptObject means the object exists but cannot be decoded.
	ErrCorruptObject = errors.New("corrupt object")
	// ErrUnavailable means the repository cannot be reached at all.
	ErrUnavailable = errors.New("backend unavailable")
)

// RefType classifies a captured reference.
type RefType string

// Reference classes.
const (
	// RefHead is a local branch (refs/heads/*).
	RefHead RefType = "head"
	// RefBranch is a remote-tracking branch (refs/remotes/*).
	RefBranch RefType = "branch"
	// RefTag is a tag (refs/tags/*), peeled to the commit it designates.
	RefTag RefType = "tag"
)

// Ref is a named pointer to a commit.
type Ref struct {
	Name string  `json:"name" yaml:"name"`
	OID  string  `json:"oid" yaml:"oid"`
	Type RefType `json:"type" yaml:"type"`
}

// EntryType classifies a tree entry.
type EntryType string

// Tree entry types.
const (
	EntryBlob EntryType = "blob"
	EntryTree EntryType = "tree"
	// EntryCommit is a submodule link; it is recorded but never descended into.
	EntryCommit EntryType = "commit"
)

// TreeEntry is one named child of a tree.
type TreeEntry struct {
	Name string
	OID  string
	Type EntryType
}

// Signature identifies the author or committer of a commit.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// CommitInfo is the metadata the backend exposes for a commit.
type CommitInfo struct {
	OID       string
	Parents   []string
	TreeID    string
	Author    Signature
	Committer Signature
	Message   string
}

// Port is the read interface to one repository. Implementations must be safe
// for concurrent use.
type Port interface {
	// Kind names the repository type (e.g. "git"). Object ids are unique per kind.
	Kind() string
	// ResolveRef turns a ref name or revision expression into a commit id.
	ResolveRef(ctx context.Context, name string) (string, error)
	// ListRefs returns every reference that points at a commit.
	ListRefs(ctx context.Context) ([]Ref, error)
	GetCommit(ctx context.Context, oid string) (*CommitInfo, error)
	GetTree(ctx context.Context, oid string) ([]TreeEntry, error)
	OpenBlob(ctx context.Context, oid string) (io.ReadCloser, error)
	Close() error
}

// Driver creates ports for one storage implementation.
type Driver interface {
	// Name identifies the driver in configuration (e.g. "libgit2").
	Name() string
	Kind() string
	Open(ctx context.Context, path string) (Port, error)
	// Init creates an empty repository at path.
	Init(ctx context.Context, path string) (Port, error)
	// Clone mirrors source into a new repository at path.
	Clone(ctx context.Context, source, path string) (Port, error)
}

// Heads returns the refs of type RefHead.
func Heads(refs []Ref) []Ref { return filterType(refs, RefHead) }

// Branches returns the refs of type RefBranch.
func Branches(refs []Ref) []Ref { return filterType(refs, RefBranch) }

// Tags returns the refs of type RefTag.
func Tags(refs []Ref) []Ref { return filterType(refs, RefTag) }

func filterType(refs []Ref, typ RefType) []Ref {
	out := make([]Ref, 0, len(refs))

	for _, ref := range refs {
		if ref.Type == typ {
			out = append(out, ref)
		}
	}

	return out
}

// IsRecoverable reports whether err should leave a repository in its previous
// state so the next sync can retry.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
