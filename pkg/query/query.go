// Package query answers read requests against indexed repositories.
package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/src-d/enry/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/forgemirror/pkg/backend"
	"github.com/Sumatoshi-tech/forgemirror/pkg/history"
	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

const tracerName = "github.com/Sumatoshi-tech/forgemirror/pkg/query"

// shortIDLen is the number of hex digits shown by ShortID.
const shortIDLen = 6

const headRef = "HEAD"

var refPrefixes = []string{"", "refs/", "refs/tags/", "refs/heads/", "refs/remotes/"}

var (
	// ErrNotReady is returned for repositories that have not finished a sync.
	ErrNotReady = errors.New("repository not ready")
	// ErrNotFound is returned when a revision or path does not resolve to an
	// indexed object of the repository.
	ErrNotFound = errors.New("not found")
	// ErrNotBlob is returned when OpenBlob is given the path of a tree.
	ErrNotBlob = errors.New("not a blob")
)

// Repositories resolves repository names and opens their backends.
// *lifecycle.Manager implements it.
type Repositories interface {
	Repository(ctx context.Context, name string) (*store.Repository, error)
	Open(ctx context.Context, repo *store.Repository) (backend.Port, error)
}

// Options configures a Service.
type Options struct {
	// AllowPartial serves repositories that are not ready.
	AllowPartial bool
	Logger       *slog.Logger
}

// Entry is a tree entry annotated for display.
type Entry struct {
	Name     string            `json:"name" yaml:"name"`
	OID      string            `json:"oid" yaml:"oid"`
	Type     backend.EntryType `json:"type" yaml:"type"`
	Language string            `json:"language,omitempty" yaml:"language,omitempty"`
	Vendored bool              `json:"vendored,omitempty" yaml:"vendored,omitempty"`
}

// Service is the read API shared by the CLI, the HTTP server and MCP.
type Service struct {
	store  *store.Store
	repos  Repositories
	opts   Options
	logger *slog.Logger
}

// New creates a Service.
func New(st *store.Store, repos Repositories, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{store: st, repos: repos, opts: opts, logger: logger}
}

// ShortID formats the first six digits of oid as "[abcdef]".
func ShortID(oid string) string {
	if len(oid) > shortIDLen {
		oid = oid[:shortIDLen]
	}

	return "[" + oid + "]"
}

// Commit returns the indexed commit rev designates. rev is a commit id or
// anything the backend can resolve (ref name, tag, HEAD~2).
func (s *Service) Commit(ctx context.Context, name, rev string) (*store.Commit, error) {
	ctx, span := s.start(ctx, "forgemirror.query.commit", name, attribute.String("query.rev", rev))
	defer span.End()

	repo, err := s.repository(ctx, name)
	if err != nil {
		return nil, err
	}

	return s.commit(ctx, repo, rev)
}

// Latest returns the commit at the default head of the repository.
func (s *Service) Latest(ctx context.Context, name string) (*store.Commit, error) {
	ctx, span := s.start(ctx, "forgemirror.query.latest", name)
	defer span.End()

	repo, err := s.repository(ctx, name)
	if err != nil {
		return nil, err
	}

	oid, err := s.defaultHead(ctx, repo)
	if err != nil {
		return nil, err
	}

	return s.commit(ctx, repo, oid)
}

// Log pages through the history reachable from seeds, newest first. With no
// seeds the log starts at the default head.
func (s *Service) Log(ctx context.Context, name string, seeds []string, skip, count int) (*history.Page, error) {
	ctx, span := s.start(ctx, "forgemirror.query.log", name,
		attribute.Int("query.skip", skip), attribute.Int("query.count", count))
	defer span.End()

	repo, err := s.repository(ctx, name)
	if err != nil {
		return nil, err
	}

	if len(seeds) == 0 {
		head, err := s.defaultHead(ctx, repo)
		if err != nil {
			return nil, err
		}

		seeds = []string{head}
	}

	ids := make([]string, 0, len(seeds))

	for _, seed := range seeds {
		commit, err := s.commit(ctx, repo, seed)
		if err != nil {
			return nil, err
		}

		ids = append(ids, commit.OID)
	}

	return history.Log(ctx, s.store, repo.Kind, ids, skip, count)
}

// CommitContext returns the parents and the in-repository children of rev.
func (s *Service) CommitContext(ctx context.Context, name, rev string) (*history.Neighbours, error) {
	ctx, span := s.start(ctx, "forgemirror.query.context", name, attribute.String("query.rev", rev))
	defer span.End()

	repo, err := s.repository(ctx, name)
	if err != nil {
		return nil, err
	}

	commit, err := s.commit(ctx, repo, rev)
	if err != nil {
		return nil, err
	}

	return history.Context(ctx, s.store, repo.Kind, repo.ID, commit.OID)
}

// TreeEntries lists a stored tree, annotating blobs with their language.
func (s *Service) TreeEntries(ctx context.Context, name, treeID string) ([]Entry, error) {
	ctx, span := s.start(ctx, "forgemirror.query.tree", name, attribute.String("query.tree", treeID))
	defer span.End()

	repo, err := s.repository(ctx, name)
	if err != nil {
		return nil, err
	}

	return s.entries(ctx, repo, treeID)
}

// GetPath resolves a slash-separated path inside the tree of rev. An empty
// path designates the root tree.
func (s *Service) GetPath(ctx context.Context, name, rev, p string) (*Entry, error) {
	ctx, span := s.start(ctx, "forgemirror.query.path", name,
		attribute.String("query.rev", rev), attribute.String("query.path", p))
	defer span.End()

	repo, err := s.repository(ctx, name)
	if err != nil {
		return nil, err
	}

	return s.getPath(ctx, repo, rev, p)
}

// OpenBlob streams the content of the blob at path in rev from the backend.
func (s *Service) OpenBlob(ctx context.Context, name, rev, p string) (io.ReadCloser, error) {
	ctx, span := s.start(ctx, "forgemirror.query.blob", name,
		attribute.String("query.rev", rev), attribute.String("query.path", p))
	defer span.End()

	repo, err := s.repository(ctx, name)
	if err != nil {
		return nil, err
	}

	entry, err := s.getPath(ctx, repo, rev, p)
	if err != nil {
		return nil, err
	}

	if entry.Type != backend.EntryBlob {
		return nil, fmt.Errorf("%w: %s is a %s", ErrNotBlob, p, entry.Type)
	}

	port, err := s.repos.Open(ctx, repo)
	if err != nil {
		return nil, err
	}

	return port.OpenBlob(ctx, entry.OID)
}

func (s *Service) start(
	ctx context.Context, op, repo string, attrs ...attribute.KeyValue,
) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("repository.name", repo))

	return otel.Tracer(tracerName).Start(ctx, op, trace.WithAttributes(attrs...))
}

// repository loads name and enforces the readiness rule.
func (s *Service) repository(ctx context.Context, name string) (*store.Repository, error) {
	repo, err := s.repos.Repository(ctx, name)
	if err != nil {
		return nil, err
	}

	if repo.Status != store.StatusReady && !s.opts.AllowPartial {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, name, repo.Status)
	}

	return repo, nil
}

func (s *Service) commit(ctx context.Context, repo *store.Repository, rev string) (*store.Commit, error) {
	oid, err := s.resolve(ctx, repo, rev)
	if err != nil {
		return nil, err
	}

	synced, err := s.store.CommitSynced(ctx, repo.Kind, oid, repo.ID)
	if err != nil {
		return nil, err
	}

	if !synced {
		return nil, fmt.Errorf("%w: commit %s in %s", ErrNotFound, rev, repo.Name)
	}

	return s.store.Commit(ctx, repo.Kind, oid)
}

// resolve maps rev to a commit id. Full ids known to the store are taken as
// they are and reference names are looked up in the references captured by
// the last sync. Anything else (short ids, HEAD~2) goes through the backend.
func (s *Service) resolve(ctx context.Context, repo *store.Repository, rev string) (string, error) {
	if isObjectID(rev) {
		indexed, err := s.store.CommitIndexed(ctx, repo.Kind, rev)
		if err != nil {
			return "", err
		}

		if indexed {
			return rev, nil
		}
	}

	if rev == headRef {
		return s.defaultHead(ctx, repo)
	}

	if oid, ok := capturedRef(repo, rev); ok {
		return oid, nil
	}

	port, err := s.repos.Open(ctx, repo)
	if err != nil {
		return "", err
	}

	oid, err := port.ResolveRef(ctx, rev)
	if errors.Is(err, backend.ErrObjectNotFound) {
		return "", fmt.Errorf("%w: revision %s in %s", ErrNotFound, rev, repo.Name)
	}

	return oid, err
}

// capturedRef looks rev up among the captured references, trying the
// prefixes in the order git's rev-parse does.
func capturedRef(repo *store.Repository, rev string) (string, bool) {
	refs := repo.Refs()

	for _, prefix := range refPrefixes {
		for _, ref := range refs {
			if ref.Name == prefix+rev {
				return ref.OID, true
			}
		}
	}

	return "", false
}

// defaultHead returns the captured head the backend's HEAD is on, falling
// back to the first captured head in name order. The commit id always comes
// from the captured references, never from the live backend.
func (s *Service) defaultHead(ctx context.Context, repo *store.Repository) (string, error) {
	heads := append([]backend.Ref(nil), repo.Heads...)
	if len(heads) == 0 {
		return "", fmt.Errorf("%w: %s has no heads", ErrNotFound, repo.Name)
	}

	sort.Slice(heads, func(i, j int) bool { return heads[i].Name < heads[j].Name })

	current := s.currentHeads(ctx, repo)

	for _, head := range heads {
		if current[head.Name] {
			return head.OID, nil
		}
	}

	return heads[0].OID, nil
}

// currentHeads names the live heads HEAD points at. Errors leave it empty.
func (s *Service) currentHeads(ctx context.Context, repo *store.Repository) map[string]bool {
	port, err := s.repos.Open(ctx, repo)
	if err != nil {
		return nil
	}

	oid, err := port.ResolveRef(ctx, headRef)
	if err != nil {
		return nil
	}

	refs, err := port.ListRefs(ctx)
	if err != nil {
		s.logger.DebugContext(ctx, "query: live refs unavailable", "repository", repo.Name, "error", err)

		return nil
	}

	names := make(map[string]bool)

	for _, ref := range refs {
		if ref.Type == backend.RefHead && ref.OID == oid {
			names[ref.Name] = true
		}
	}

	return names
}

func (s *Service) entries(ctx context.Context, repo *store.Repository, treeID string) ([]Entry, error) {
	stored, err := s.store.TreeEntries(ctx, repo.Kind, treeID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: tree %s", ErrNotFound, treeID)
	}

	if err != nil {
		return nil, err
	}

	out := make([]Entry, 0, len(stored))

	for _, e := range stored {
		entry := Entry{Name: e.Name, OID: e.OID, Type: e.Type}

		if e.Type == backend.EntryBlob {
			entry.Language = enry.GetLanguage(e.Name, nil)
			entry.Vendored = enry.IsVendor(e.Name)
		}

		out = append(out, entry)
	}

	return out, nil
}

func (s *Service) getPath(ctx context.Context, repo *store.Repository, rev, p string) (*Entry, error) {
	commit, err := s.commit(ctx, repo, rev)
	if err != nil {
		return nil, err
	}

	current := &Entry{Name: "", OID: commit.TreeID, Type: backend.EntryTree}

	for _, part := range splitPath(p) {
		if current.Type != backend.EntryTree {
			return nil, fmt.Errorf("%w: %s is not a directory", ErrNotFound, current.Name)
		}

		entries, err := s.entries(ctx, repo, current.OID)
		if err != nil {
			return nil, err
		}

		var next *Entry

		for i := range entries {
			if entries[i].Name == part {
				next = &entries[i]

				break
			}
		}

		if next == nil {
			return nil, fmt.Errorf("%w: path %s in %s", ErrNotFound, p, ShortID(commit.OID))
		}

		current = next
	}

	return current, nil
}

func splitPath(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return nil
	}

	return strings.Split(p, "/")
}

// isObjectID reports whether rev looks like a full SHA-1 or SHA-256 id.
func isObjectID(rev string) bool {
	if len(rev) != 40 && len(rev) != 64 {
		return false
	}

	for _, c := range rev {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}

	return true
}
