package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/Sumatoshi-tech/forgemirror/pkg/gitlib"
)

// KindGit is the repository kind served by the git drivers.
const KindGit = "git"

// Libgit2Driver opens repositories through libgit2.
type Libgit2Driver struct{}

// NewLibgit2Driver creates the libgit2 driver.
func NewLibgit2Driver() *Libgit2Driver { return &Libgit2Driver{} }

// Name implements Driver.
func (*Libgit2Driver) Name() string { return "libgit2" }

// Kind implements Driver.
func (*Libgit2Driver) Kind() string { return KindGit }

// Open implements Driver.
func (*Libgit2Driver) Open(_ context.Context, path string) (Port, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	repo, err := gitlib.OpenRepository(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return &libgit2Port{repo: repo}, nil
}

// Init implements Driver.
func (*Libgit2Driver) Init(_ context.Context, path string) (Port, error) {
	repo, err := gitlib.InitRepository(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return &libgit2Port{repo: repo}, nil
}

// Clone implements Driver.
func (*Libgit2Driver) Clone(_ context.Context, source, path string) (Port, error) {
	repo, err := gitlib.CloneRepository(source, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	return &libgit2Port{repo: repo}, nil
}

// libgit2Port serialises access to one libgit2 repository handle.
type libgit2Port struct {
	mu   sync.Mutex
	repo *gitlib.Repository
}

func (p *libgit2Port) Kind() string { return KindGit }

func (p *libgit2Port) ResolveRef(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.repo == nil {
		return "", ErrUnavailable
	}

	hash, err := p.repo.Resolve(name)
	if err != nil {
		return "", mapGitlibError(err)
	}

	return hash.String(), nil
}

func (p *libgit2Port) ListRefs(ctx context.Context) ([]Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.repo == nil {
		return nil, ErrUnavailable
	}

	refs, err := p.repo.References()
	if err != nil {
		return nil, mapGitlibError(err)
	}

	out := make([]Ref, 0, len(refs))

	for _, ref := range refs {
		typ, ok := ClassifyRef(ref.Name)
		if !ok {
			continue
		}

		out = append(out, Ref{Name: ref.Name, OID: ref.Target.String(), Type: typ})
	}

	return out, nil
}

func (p *libgit2Port) GetCommit(ctx context.Context, oid string) (*CommitInfo, error) {
	hash, err := p.parse(ctx, oid)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.repo == nil {
		return nil, ErrUnavailable
	}

	commit, err := p.repo.LookupCommit(hash)
	if err != nil {
		return nil, mapGitlibError(err)
	}
	defer commit.Free()

	parents := commit.ParentHashes()
	info := &CommitInfo{
		OID:       oid,
		Parents:   make([]string, len(parents)),
		TreeID:    commit.TreeHash().String(),
		Author:    Signature(commit.Author()),
		Committer: Signature(commit.Committer()),
		Message:   commit.Message(),
	}

	for i, parent := range parents {
		info.Parents[i] = parent.String()
	}

	return info, nil
}

func (p *libgit2Port) GetTree(ctx context.Context, oid string) ([]TreeEntry, error) {
	hash, err := p.parse(ctx, oid)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.repo == nil {
		return nil, ErrUnavailable
	}

	tree, err := p.repo.LookupTree(hash)
	if err != nil {
		return nil, mapGitlibError(err)
	}
	defer tree.Free()

	entries := tree.Entries()
	out := make([]TreeEntry, len(entries))

	for i, entry := range entries {
		out[i] = TreeEntry{Name: entry.Name, OID: entry.Hash.String(), Type: entryTypeFromGitlib(entry.Type)}
	}

	return out, nil
}

func (p *libgit2Port) OpenBlob(ctx context.Context, oid string) (io.ReadCloser, error) {
	hash, err := p.parse(ctx, oid)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.repo == nil {
		return nil, ErrUnavailable
	}

	blob, err := p.repo.LookupBlob(hash)
	if err != nil {
		return nil, mapGitlibError(err)
	}
	defer blob.Free()

	return io.NopCloser(bytes.NewReader(blob.Contents())), nil
}

func (p *libgit2Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.repo != nil {
		p.repo.Free()
		p.repo = nil
	}

	return nil
}

func (p *libgit2Port) parse(ctx context.Context, oid string) (gitlib.Hash, error) {
	if err := ctx.Err(); err != nil {
		return gitlib.Hash{}, err
	}

	hash, err := gitlib.ParseHash(oid)
	if err != nil {
		return gitlib.Hash{}, fmt.Errorf("%w: %w", ErrObjectNotFound, err)
	}

	return hash, nil
}

func entryTypeFromGitlib(t gitlib.EntryType) EntryType {
	switch t {
	case gitlib.EntryTree:
		return EntryTree
	case gitlib.EntryCommit:
		return EntryCommit
	default:
		return EntryBlob
	}
}

func mapGitlibError(err error) error {
	switch {
	case errors.Is(err, gitlib.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrObjectNotFound, err)
	case errors.Is(err, gitlib.ErrCorrupt):
		return fmt.Errorf("%w: %w", ErrCorruptObject, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}
