package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// maxTagDepth bounds the peeling of tags that point at other tags.
const maxTagDepth = 8

// GoGitDriver opens repositories with the pure-Go go-git library.
type GoGitDriver struct{}

// NewGoGitDriver creates the go-git driver.
func NewGoGitDriver() *GoGitDriver { return &GoGitDriver{} }

// Name implements Driver.
func (*GoGitDriver) Name() string { return "gogit" }

// Kind implements Driver.
func (*GoGitDriver) Kind() string { return KindGit }

// Open implements Driver.
func (*GoGitDriver) Open(_ context.Context, path string) (Port, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrUnavailable, path, err)
	}

	return newGoGitPort(repo), nil
}

// Init implements Driver.
func (*GoGitDriver) Init(_ context.Context, path string) (Port, error) {
	repo, err := git.PlainInit(path, true)
	if err != nil {
		return nil, fmt.Errorf("%w: init %s: %w", ErrUnavailable, path, err)
	}

	return newGoGitPort(repo), nil
}

// Clone implements Driver.
func (*GoGitDriver) Clone(ctx context.Context, source, path string) (Port, error) {
	repo, err := git.PlainCloneContext(ctx, path, true, &git.CloneOptions{URL: source, Tags: git.AllTags})
	if err != nil {
		return nil, fmt.Errorf("%w: clone %s: %w", ErrUnavailable, source, err)
	}

	return newGoGitPort(repo), nil
}

// GoGitPort serves an already opened go-git repository. go-git object access
// is safe for concurrent readers.
type GoGitPort struct {
	repo *git.Repository
}

// newGoGitPort wraps an opened repository.
func newGoGitPort(repo *git.Repository) *GoGitPort {
	return &GoGitPort{repo: repo}
}

// Kind implements Port.
func (p *GoGitPort) Kind() string { return KindGit }

// ResolveRef implements Port.
func (p *GoGitPort) ResolveRef(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	hash, err := p.repo.ResolveRevision(plumbing.Revision(name))
	if err != nil {
		return "", mapGoGitError(fmt.Errorf("resolve %q: %w", name, err))
	}

	peeled, ok := p.peelToCommit(*hash)
	if !ok {
		return "", fmt.Errorf("%w: %q does not name a commit", ErrObjectNotFound, name)
	}

	return peeled.String(), nil
}

// ListRefs implements Port.
func (p *GoGitPort) ListRefs(ctx context.Context) ([]Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	iter, err := p.repo.References()
	if err != nil {
		return nil, mapGoGitError(fmt.Errorf("list references: %w", err))
	}
	defer iter.Close()

	var refs []Ref

	err = iter.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}

		name := ref.Name().String()

		typ, ok := ClassifyRef(name)
		if !ok {
			return nil
		}

		target, ok := p.peelToCommit(ref.Hash())
		if !ok {
			return nil
		}

		refs = append(refs, Ref{Name: name, OID: target.String(), Type: typ})

		return nil
	})
	if err != nil {
		return nil, mapGoGitError(err)
	}

	return refs, nil
}

// GetCommit implements Port.
func (p *GoGitPort) GetCommit(ctx context.Context, oid string) (*CommitInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	commit, err := p.repo.CommitObject(plumbing.NewHash(oid))
	if err != nil {
		return nil, mapGoGitError(fmt.Errorf("commit %s: %w", oid, err))
	}

	info := &CommitInfo{
		OID:       oid,
		Parents:   make([]string, len(commit.ParentHashes)),
		TreeID:    commit.TreeHash.String(),
		Author:    signatureFromGoGit(commit.Author),
		Committer: signatureFromGoGit(commit.Committer),
		Message:   commit.Message,
	}

	for i, parent := range commit.ParentHashes {
		info.Parents[i] = parent.String()
	}

	return info, nil
}

// GetTree implements Port.
func (p *GoGitPort) GetTree(ctx context.Context, oid string) ([]TreeEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tree, err := p.repo.TreeObject(plumbing.NewHash(oid))
	if err != nil {
		return nil, mapGoGitError(fmt.Errorf("tree %s: %w", oid, err))
	}

	entries := make([]TreeEntry, 0, len(tree.Entries))

	for _, entry := range tree.Entries {
		typ := EntryBlob

		switch entry.Mode {
		case filemode.Dir:
			typ = EntryTree
		case filemode.Submodule:
			typ = EntryCommit
		}

		entries = append(entries, TreeEntry{Name: entry.Name, OID: entry.Hash.String(), Type: typ})
	}

	return entries, nil
}

// OpenBlob implements Port.
func (p *GoGitPort) OpenBlob(ctx context.Context, oid string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	blob, err := p.repo.BlobObject(plumbing.NewHash(oid))
	if err != nil {
		return nil, mapGoGitError(fmt.Errorf("blob %s: %w", oid, err))
	}

	rc, err := blob.Reader()
	if err != nil {
		return nil, mapGoGitError(fmt.Errorf("read blob %s: %w", oid, err))
	}

	return rc, nil
}

// Close implements Port.
func (p *GoGitPort) Close() error { return nil }

// peelToCommit follows annotated tags until a commit is reached.
func (p *GoGitPort) peelToCommit(hash plumbing.Hash) (plumbing.Hash, bool) {
	if _, err := p.repo.CommitObject(hash); err == nil {
		return hash, true
	}

	cur := hash

	for range maxTagDepth {
		tag, err := p.repo.TagObject(cur)
		if err != nil {
			return plumbing.ZeroHash, false
		}

		switch tag.TargetType {
		case plumbing.CommitObject:
			return tag.Target, true
		case plumbing.TagObject:
			cur = tag.Target
		default:
			return plumbing.ZeroHash, false
		}
	}

	return plumbing.ZeroHash, false
}

func signatureFromGoGit(sig object.Signature) Signature {
	return Signature{Name: sig.Name, Email: sig.Email, When: sig.When}
}

func mapGoGitError(err error) error {
	switch {
	case errors.Is(err, plumbing.ErrObjectNotFound),
		errors.Is(err, plumbing.ErrReferenceNotFound),
		errors.Is(err, object.ErrUnsupportedObject):
		return fmt.Errorf("%w: %w", ErrObjectNotFound, err)
	case errors.Is(err, plumbing.ErrInvalidType):
		return fmt.Errorf("%w: %w", ErrCorruptObject, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}
