package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/Sumatoshi-tech/forgemirror/pkg/backend"
	"github.com/Sumatoshi-tech/forgemirror/pkg/cache"
	"github.com/Sumatoshi-tech/forgemirror/pkg/checkpoint"
	"github.com/Sumatoshi-tech/forgemirror/pkg/indexer"
	"github.com/Sumatoshi-tech/forgemirror/pkg/observability"
	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

// Options configures a Manager.
type Options struct {
	Store   *store.Store
	Drivers *backend.Registry
	// Handles caches open backends; nil creates a default cache.
	Handles *cache.Handles
	// RefFilter selects the references to sync; nil syncs all of them.
	RefFilter *backend.RefFilter

	// Root is the directory new repositories are created in.
	Root          string
	DefaultDriver string
	BatchSize     int

	// CheckpointDir enables resumable runs when set.
	CheckpointDir    string
	Resume           bool
	CheckpointMaxAge time.Duration

	Metrics *observability.SyncMetrics
	Logger  *slog.Logger
}

// CreateOptions tunes Create and CloneFrom.
type CreateOptions struct {
	// Path overrides Root/name.
	Path string
	// Driver overrides the default driver.
	Driver string
}

// Result describes one completed sync run.
type Result struct {
	RunID      string        `json:"run_id" yaml:"run_id"`
	Repository string        `json:"repository" yaml:"repository"`
	Status     store.Status  `json:"status" yaml:"status"`
	NewCommits int           `json:"new_commits" yaml:"new_commits"`
	Resumed    bool          `json:"resumed" yaml:"resumed"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Stats      indexer.Stats `json:"-" yaml:"-"`

	capture *capture
}

// capture is what a run read from the backend before indexing.
type capture struct {
	kind string
	refs []backend.Ref
}

// activeRun is a sync run in progress.
type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns repository status transitions and sync runs.
type Manager struct {
	opts    Options
	store   *store.Store
	handles *cache.Handles
	logger  *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	runs   map[string]*activeRun
	closed bool
	wg     sync.WaitGroup

	baseCtx   context.Context
	cancelAll context.CancelFunc
}

// New creates a Manager.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("lifecycle: store is required")
	}

	if opts.Drivers == nil {
		opts.Drivers = backend.DefaultRegistry()
	}

	if opts.DefaultDriver == "" {
		opts.DefaultDriver = "libgit2"
	}

	if _, err := opts.Drivers.Driver(opts.DefaultDriver); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	handles := opts.Handles
	if handles == nil {
		handles = cache.NewHandles(cache.DefaultMaxHandles, logger)
	}

	baseCtx, cancel := context.WithCancel(context.Background())

	return &Manager{
		opts:      opts,
		store:     opts.Store,
		handles:   handles,
		logger:    logger,
		runs:      make(map[string]*activeRun),
		baseCtx:   baseCtx,
		cancelAll: cancel,
	}, nil
}

// Create registers an empty repository and runs its first sync.
func (m *Manager) Create(ctx context.Context, name string, opts CreateOptions) (*store.Repository, error) {
	return m.create(ctx, name, "", "", opts)
}

// CloneFrom registers a repository mirrored from source and runs its first
// sync. upstreamName labels the source.
func (m *Manager) CloneFrom(
	ctx context.Context, name, source, upstreamName string, opts CreateOptions,
) (*store.Repository, error) {
	if source == "" {
		return nil, errors.New("lifecycle: clone source is required")
	}

	return m.create(ctx, name, source, upstreamName, opts)
}

func (m *Manager) create(
	ctx context.Context, name, source, upstreamName string, opts CreateOptions,
) (*store.Repository, error) {
	driverName := opts.Driver
	if driverName == "" {
		driverName = m.opts.DefaultDriver
	}

	driver, err := m.opts.Drivers.Driver(driverName)
	if err != nil {
		return nil, err
	}

	path := opts.Path
	if path == "" {
		path = filepath.Join(m.opts.Root, name)
	}

	repo := &store.Repository{
		ID:           uuid.NewString(),
		Name:         name,
		Kind:         driver.Kind(),
		Driver:       driver.Name(),
		Path:         path,
		Status:       store.StatusInit,
		UpstreamName: upstreamName,
		UpstreamURL:  source,
	}

	if err := m.store.CreateRepository(ctx, repo); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %s", ErrExists, name)
		}

		return nil, err
	}

	m.logger.InfoContext(ctx, "lifecycle: repository created",
		"repository", name, "id", repo.ID, "driver", repo.Driver, "path", path)

	if _, err := m.Refresh(ctx, name); err != nil {
		return nil, err
	}

	return m.Repository(ctx, name)
}

// Repository loads a repository by name.
func (m *Manager) Repository(ctx context.Context, name string) (*store.Repository, error) {
	repo, err := m.store.RepositoryByName(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	return repo, err
}

// Repositories lists every repository.
func (m *Manager) Repositories(ctx context.Context) ([]*store.Repository, error) {
	return m.store.Repositories(ctx)
}

// Refresh syncs the repository and waits for the result. Concurrent calls
// for the same repository join the run in flight. Cancelling ctx stops the
// wait, not the run.
func (m *Manager) Refresh(ctx context.Context, name string) (*Result, error) {
	ch := m.group.DoChan(name, func() (any, error) {
		return m.run(name)
	})

	select {
	case res := <-ch:
		result, _ := res.Val.(*Result)

		return result, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Trigger starts a sync in the background and returns immediately. It is a
// no-op while a run for the repository is in flight.
func (m *Manager) Trigger(ctx context.Context, name string) error {
	if _, err := m.Repository(ctx, name); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if _, running := m.runs[name]; running {
		return nil
	}

	m.wg.Add(1)

	go func() {
		defer m.wg.Done()

		if _, err := m.Refresh(m.baseCtx, name); err != nil {
			m.logger.WarnContext(m.baseCtx, "lifecycle: triggered sync failed", "repository", name, "error", err)
		}
	}()

	return nil
}

// Recover triggers every repository left in initializing or analyzing by a
// previous process.
func (m *Manager) Recover(ctx context.Context) error {
	repos, err := m.store.Repositories(ctx)
	if err != nil {
		return err
	}

	var errs []error

	for _, repo := range repos {
		if repo.Status != store.StatusInitializing && repo.Status != store.StatusAnalyzing {
			continue
		}

		m.logger.InfoContext(ctx, "lifecycle: resuming interrupted sync", "repository", repo.Name, "status", repo.Status)
		errs = append(errs, m.Trigger(ctx, repo.Name))
	}

	return errors.Join(errs...)
}

// Reset moves a failed repository back to init so it can be synced again.
func (m *Manager) Reset(ctx context.Context, name string) error {
	repo, err := m.Repository(ctx, name)
	if err != nil {
		return err
	}

	if err := checkTransition(repo.Status, store.StatusInit); err != nil {
		return err
	}

	m.handles.Invalidate(repo.ID)

	if err := m.clearCheckpoint(repo); err != nil {
		return err
	}

	return m.store.SetStatus(ctx, repo.ID, store.StatusInit, "")
}

// Delete cancels any run in flight and forgets the repository. Shared commit,
// tree and blob records stay; the backing repository on disk is untouched.
func (m *Manager) Delete(ctx context.Context, name string) error {
	repo, err := m.Repository(ctx, name)
	if err != nil {
		return err
	}

	m.mu.Lock()
	active := m.runs[name]
	m.mu.Unlock()

	if active != nil {
		active.cancel()

		select {
		case <-active.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.handles.Invalidate(repo.ID)

	if err := m.clearCheckpoint(repo); err != nil {
		return err
	}

	if err := m.store.DeleteRepository(ctx, repo.ID); err != nil {
		return err
	}

	m.logger.InfoContext(ctx, "lifecycle: repository deleted", "repository", name, "id", repo.ID)

	return nil
}

// Open returns the backend of a repository through the handle cache.
func (m *Manager) Open(ctx context.Context, repo *store.Repository) (backend.Port, error) {
	if repo.Status == store.StatusInit || repo.Status == store.StatusInitializing {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotInitialized, repo.Name, repo.Status)
	}

	return m.open(ctx, repo)
}

func (m *Manager) open(ctx context.Context, repo *store.Repository) (backend.Port, error) {
	driver, err := m.opts.Drivers.Driver(repo.Driver)
	if err != nil {
		return nil, err
	}

	return m.handles.Get(ctx, repo.ID, func(ctx context.Context) (backend.Port, error) {
		return driver.Open(ctx, repo.Path)
	})
}

// acquire pins the repository's backend for the length of a run so that
// cache eviction cannot close it underneath the indexer.
func (m *Manager) acquire(ctx context.Context, repo *store.Repository) (backend.Port, func(), error) {
	driver, err := m.opts.Drivers.Driver(repo.Driver)
	if err != nil {
		return nil, nil, err
	}

	return m.handles.Acquire(ctx, repo.ID, func(ctx context.Context) (backend.Port, error) {
		return driver.Open(ctx, repo.Path)
	})
}

// Wait blocks until every background run started by Trigger has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close cancels every run, waits for them and closes cached backends.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	m.cancelAll()
	m.wg.Wait()

	return m.handles.Close()
}

func (m *Manager) checkpoints(repo *store.Repository) *checkpoint.Manager {
	if m.opts.CheckpointDir == "" {
		return nil
	}

	cp := checkpoint.NewManager(m.opts.CheckpointDir, repo.ID)
	if m.opts.CheckpointMaxAge > 0 {
		cp.MaxAge = m.opts.CheckpointMaxAge
	}

	return cp
}

func (m *Manager) clearCheckpoint(repo *store.Repository) error {
	if cp := m.checkpoints(repo); cp != nil {
		return cp.Clear()
	}

	return nil
}
