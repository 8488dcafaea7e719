package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process repository. It backs the "memory" driver and lets
// tests build arbitrary histories, including broken ones.
type Memory struct {
	mu          sync.RWMutex
	kind        string
	commits     map[string]CommitInfo
	trees       map[string][]TreeEntry
	blobs       map[string][]byte
	refs        map[string]Ref
	failures    map[string]error
	unavailable bool
	closes      int
}

// NewMemory creates an empty in-memory repository of the given kind.
func NewMemory(kind string) *Memory {
	if kind == "" {
		kind = KindGit
	}

	return &Memory{
		kind:     kind,
		commits:  make(map[string]CommitInfo),
		trees:    make(map[string][]TreeEntry),
		blobs:    make(map[string][]byte),
		refs:     make(map[string]Ref),
		failures: make(map[string]error),
	}
}

// putCommit stores info as is.
func (m *Memory) putCommit(info CommitInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info.Parents = slices.Clone(info.Parents)
	m.commits[info.OID] = info
}

// AddCommit stores a commit with a synthetic signature derived from its id.
func (m *Memory) AddCommit(oid, treeID string, parents ...string) {
	when := time.Unix(1700000000, 0).UTC().Add(time.Duration(len(m.commitIDs())) * time.Minute)
	sig := Signature{Name: "Test User", Email: "test@example.com", When: when}

	m.putCommit(CommitInfo{
		OID:       oid,
		Parents:   parents,
		TreeID:    treeID,
		Author:    sig,
		Committer: sig,
		Message:   "commit " + oid,
	})
}

// AddTree stores a tree.
func (m *Memory) AddTree(oid string, entries ...TreeEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.trees[oid] = slices.Clone(entries)
}

// AddBlob stores a blob.
func (m *Memory) AddBlob(oid string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.blobs[oid] = bytes.Clone(data)
}

// SetRef creates or moves a reference. Names outside the standard
// namespaces are treated as heads.
func (m *Memory) SetRef(name, oid string) {
	typ, ok := ClassifyRef(name)
	if !ok {
		typ = RefHead
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.refs[name] = Ref{Name: name, OID: oid, Type: typ}
}

// DeleteRef removes a reference.
func (m *Memory) DeleteRef(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.refs, name)
}

// Fail makes every lookup of oid return err.
func (m *Memory) Fail(oid string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.failures, oid)

		return
	}

	m.failures[oid] = err
}

// SetUnavailable makes every call fail with ErrUnavailable.
func (m *Memory) SetUnavailable(down bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.unavailable = down
}

// Closes returns how many times Close was called.
func (m *Memory) Closes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.closes
}

// Copy returns an independent deep copy.
func (m *Memory) Copy() *Memory {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := NewMemory(m.kind)
	for oid, info := range m.commits {
		info.Parents = slices.Clone(info.Parents)
		out.commits[oid] = info
	}

	for oid, entries := range m.trees {
		out.trees[oid] = slices.Clone(entries)
	}

	for oid, data := range m.blobs {
		out.blobs[oid] = bytes.Clone(data)
	}

	maps.Copy(out.refs, m.refs)

	return out
}

func (m *Memory) commitIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Collect(maps.Keys(m.commits))
}

// Kind implements Port.
func (m *Memory) Kind() string { return m.kind }

// ResolveRef implements Port. It accepts full ref names, branch or tag short
// names, HEAD, and commit ids.
func (m *Memory) ResolveRef(ctx context.Context, name string) (string, error) {
	if err := m.check(ctx, name); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if name == "HEAD" {
		for _, candidate := range []string{"refs/heads/main", "refs/heads/master"} {
			if ref, ok := m.refs[candidate]; ok {
				return ref.OID, nil
			}
		}

		if heads := Heads(m.sortedRefs()); len(heads) > 0 {
			return heads[0].OID, nil
		}
	}

	for _, candidate := range []string{name, headsPrefix + name, tagsPrefix + name, remotesPrefix + name} {
		if ref, ok := m.refs[candidate]; ok {
			return ref.OID, nil
		}
	}

	if _, ok := m.commits[name]; ok {
		return name, nil
	}

	return "", fmt.Errorf("%w: ref %q", ErrObjectNotFound, name)
}

// ListRefs implements Port.
func (m *Memory) ListRefs(ctx context.Context) ([]Ref, error) {
	if err := m.check(ctx, ""); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.sortedRefs(), nil
}

func (m *Memory) sortedRefs() []Ref {
	refs := slices.Collect(maps.Values(m.refs))
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })

	return refs
}

// GetCommit implements Port.
func (m *Memory) GetCommit(ctx context.Context, oid string) (*CommitInfo, error) {
	if err := m.check(ctx, oid); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	info, ok := m.commits[oid]
	if !ok {
		return nil, fmt.Errorf("%w: commit %s", ErrObjectNotFound, oid)
	}

	info.Parents = slices.Clone(info.Parents)

	return &info, nil
}

// GetTree implements Port.
func (m *Memory) GetTree(ctx context.Context, oid string) ([]TreeEntry, error) {
	if err := m.check(ctx, oid); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entries, ok := m.trees[oid]
	if !ok {
		return nil, fmt.Errorf("%w: tree %s", ErrObjectNotFound, oid)
	}

	return slices.Clone(entries), nil
}

// OpenBlob implements Port.
func (m *Memory) OpenBlob(ctx context.Context, oid string) (io.ReadCloser, error) {
	if err := m.check(ctx, oid); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[oid]
	if !ok {
		return nil, fmt.Errorf("%w: blob %s", ErrObjectNotFound, oid)
	}

	return io.NopCloser(bytes.NewReader(bytes.Clone(data))), nil
}

// Close implements Port. The repository stays usable afterwards.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closes++

	return nil
}

func (m *Memory) check(ctx context.Context, oid string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.unavailable {
		return ErrUnavailable
	}

	if err, ok := m.failures[oid]; ok && oid != "" {
		return err
	}

	return nil
}

// MemoryDriver serves Memory repositories keyed by path.
type MemoryDriver struct {
	mu    sync.Mutex
	kind  string
	repos map[string]*Memory
}

// NewMemoryDriver creates an empty memory driver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{kind: KindGit, repos: make(map[string]*Memory)}
}

// Seed registers repo under path so it can be opened or cloned.
func (d *MemoryDriver) Seed(path string, repo *Memory) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.repos[normalizePath(path)] = repo
}

// Repo returns the repository at path, if any.
func (d *MemoryDriver) Repo(path string) (*Memory, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	repo, ok := d.repos[normalizePath(path)]

	return repo, ok
}

// Name implements Driver.
func (*MemoryDriver) Name() string { return "memory" }

// Kind implements Driver.
func (d *MemoryDriver) Kind() string { return d.kind }

// Open implements Driver.
func (d *MemoryDriver) Open(ctx context.Context, path string) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	repo, ok := d.Repo(path)
	if !ok {
		return nil, fmt.Errorf("%w: no repository at %s", ErrUnavailable, path)
	}

	return repo, nil
}

// Init implements Driver.
func (d *MemoryDriver) Init(ctx context.Context, path string) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	repo := NewMemory(d.kind)
	d.Seed(path, repo)

	return repo, nil
}

// Clone implements Driver.
func (d *MemoryDriver) Clone(ctx context.Context, source, path string) (Port, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	src, ok := d.Repo(source)
	if !ok {
		return nil, fmt.Errorf("%w: no repository at %s", ErrUnavailable, source)
	}

	repo := src.Copy()
	d.Seed(path, repo)

	return repo, nil
}

func normalizePath(path string) string {
	return strings.TrimRight(path, "/")
}
