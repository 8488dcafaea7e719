package lifecycle_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/forgemirror/pkg/backend"
	"github.com/Sumatoshi-tech/forgemirror/pkg/cache"
	"github.com/Sumatoshi-tech/forgemirror/pkg/checkpoint"
	"github.com/Sumatoshi-tech/forgemirror/pkg/graph"
	"github.com/Sumatoshi-tech/forgemirror/pkg/indexer"
	"github.com/Sumatoshi-tech/forgemirror/pkg/lifecycle"
	"github.com/Sumatoshi-tech/forgemirror/pkg/query"
	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

type fixture struct {
	store         *store.Store
	driver        *backend.MemoryDriver
	manager       *lifecycle.Manager
	checkpointDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "index.db"), store.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { st.Close() })

	driver := backend.NewMemoryDriver()
	checkpointDir := t.TempDir()

	mgr, err := lifecycle.New(lifecycle.Options{
		Store:         st,
		Drivers:       backend.NewRegistry(driver),
		DefaultDriver: driver.Name(),
		Root:          "/repos",
		BatchSize:     1,
		CheckpointDir: checkpointDir,
		Resume:        true,
	})
	require.NoError(t, err)

	t.Cleanup(func() { mgr.Close() })

	return &fixture{store: st, driver: driver, manager: mgr, checkpointDir: checkpointDir}
}

func blob(name, oid string) backend.TreeEntry {
	return backend.TreeEntry{Name: name, OID: oid, Type: backend.EntryBlob}
}

// linearHistory builds A <- B <- C on refs/heads/main.
func linearHistory() *backend.Memory {
	repo := backend.NewMemory(backend.KindGit)

	repo.AddBlob("X", []byte("x"))
	repo.AddBlob("Y", []byte("y"))
	repo.AddTree("TA", blob("x.txt", "X"))
	repo.AddTree("TB", blob("x.txt", "X"), blob("y.txt", "Y"))

	repo.AddCommit("A", "TA")
	repo.AddCommit("B", "TB", "A")
	repo.AddCommit("C", "TB", "B")
	repo.SetRef("refs/heads/main", "C")
	repo.SetRef("refs/tags/v1", "B")

	return repo
}

func (f *fixture) repository(t *testing.T, name string) *store.Repository {
	t.Helper()

	repo, err := f.manager.Repository(context.Background(), name)
	require.NoError(t, err)

	return repo
}

func refNames(refs []backend.Ref) []string {
	names := make([]string, 0, len(refs))
	for _, ref := range refs {
		names = append(names, ref.Name)
	}

	return names
}

func (f *fixture) commits(t *testing.T, repoID string) int {
	t.Helper()

	n, err := f.store.CountCommits(context.Background(), backend.KindGit, repoID)
	require.NoError(t, err)

	return n
}

func TestTransitions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to store.Status
		want     bool
	}{
		{store.StatusInit, store.StatusInitializing, true},
		{store.StatusInit, store.StatusAnalyzing, false},
		{store.StatusInitializing, store.StatusAnalyzing, true},
		{store.StatusInitializing, store.StatusInit, true},
		{store.StatusInitializing, store.StatusError, true},
		{store.StatusAnalyzing, store.StatusReady, true},
		{store.StatusAnalyzing, store.StatusError, true},
		{store.StatusAnalyzing, store.StatusInit, true},
		{store.StatusAnalyzing, store.StatusAnalyzing, true},
		{store.StatusReady, store.StatusAnalyzing, true},
		{store.StatusReady, store.StatusInit, false},
		{store.StatusReady, store.StatusError, false},
		{store.StatusError, store.StatusInit, true},
		{store.StatusError, store.StatusAnalyzing, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, lifecycle.CanTransition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestCreateEmptyRepositoryBecomesReady(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	repo, err := f.manager.Create(context.Background(), "empty", lifecycle.CreateOptions{})
	require.NoError(t, err)

	assert.Equal(t, store.StatusReady, repo.Status)
	assert.Empty(t, repo.Refs())
	assert.Equal(t, "/repos/empty", repo.Path)

	_, ok := f.driver.Repo("/repos/empty")
	assert.True(t, ok)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Create(ctx, "dup", lifecycle.CreateOptions{})
	require.NoError(t, err)

	_, err = f.manager.Create(ctx, "dup", lifecycle.CreateOptions{})
	require.ErrorIs(t, err, lifecycle.ErrExists)
}

func TestCloneFromIndexesHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.driver.Seed("/src/origin", linearHistory())

	repo, err := f.manager.CloneFrom(context.Background(), "mirror", "/src/origin", "origin", lifecycle.CreateOptions{})
	require.NoError(t, err)

	assert.Equal(t, store.StatusReady, repo.Status)
	assert.Equal(t, "origin", repo.UpstreamName)
	assert.Equal(t, "/src/origin", repo.UpstreamURL)
	require.Len(t, repo.Heads, 1)
	assert.Equal(t, "C", repo.Heads[0].OID)
	require.Len(t, repo.Tags, 1)
	assert.Equal(t, "B", repo.Tags[0].OID)
	assert.Equal(t, 3, f.commits(t, repo.ID))

	assert.False(t, checkpoint.NewManager(f.checkpointDir, repo.ID).Exists())
}

func TestRefreshIndexesNewCommits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.driver.Seed("/src/origin", linearHistory())

	_, err := f.manager.CloneFrom(ctx, "mirror", "/src/origin", "origin", lifecycle.CreateOptions{})
	require.NoError(t, err)

	mirror, ok := f.driver.Repo("/repos/mirror")
	require.True(t, ok)

	mirror.AddCommit("D", "TA", "C")
	mirror.SetRef("refs/heads/main", "D")

	result, err := f.manager.Refresh(ctx, "mirror")
	require.NoError(t, err)

	assert.Equal(t, store.StatusReady, result.Status)
	assert.Equal(t, 1, result.NewCommits)
	assert.NotEmpty(t, result.RunID)

	repo := f.repository(t, "mirror")
	assert.Equal(t, "D", repo.Heads[0].OID)
	assert.Equal(t, 4, f.commits(t, repo.ID))
}

func TestRefreshWithoutChangesIndexesNothing(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.driver.Seed("/src/origin", linearHistory())

	_, err := f.manager.CloneFrom(ctx, "mirror", "/src/origin", "origin", lifecycle.CreateOptions{})
	require.NoError(t, err)

	result, err := f.manager.Refresh(ctx, "mirror")
	require.NoError(t, err)

	assert.Zero(t, result.NewCommits)
	assert.Equal(t, store.StatusReady, result.Status)
}

func TestConcurrentRefreshes(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.driver.Seed("/src/origin", linearHistory())

	_, err := f.manager.CloneFrom(ctx, "mirror", "/src/origin", "origin", lifecycle.CreateOptions{})
	require.NoError(t, err)

	mirror, _ := f.driver.Repo("/repos/mirror")
	mirror.AddCommit("D", "TA", "C")
	mirror.SetRef("refs/heads/main", "D")

	var g errgroup.Group

	for range 4 {
		g.Go(func() error {
			_, err := f.manager.Refresh(ctx, "mirror")

			return err
		})
	}

	require.NoError(t, g.Wait())

	repo := f.repository(t, "mirror")
	assert.Equal(t, store.StatusReady, repo.Status)
	assert.Equal(t, 4, f.commits(t, repo.ID))
}

func TestStructuralCorruptionNeedsReset(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	cyclic := backend.NewMemory(backend.KindGit)
	cyclic.AddTree("T")
	cyclic.AddCommit("P", "T", "Q")
	cyclic.AddCommit("Q", "T", "P")
	cyclic.SetRef("refs/heads/main", "P")
	f.driver.Seed("/src/cyclic", cyclic)

	_, err := f.manager.Create(ctx, "cyclic", lifecycle.CreateOptions{Path: "/src/cyclic"})
	require.ErrorIs(t, err, graph.ErrStructuralCorruption)

	repo := f.repository(t, "cyclic")
	assert.Equal(t, store.StatusError, repo.Status)
	assert.NotEmpty(t, repo.LastError)

	_, err = f.manager.Refresh(ctx, "cyclic")
	require.ErrorIs(t, err, lifecycle.ErrRepositoryFailed)

	require.NoError(t, f.manager.Reset(ctx, "cyclic"))
	assert.Equal(t, store.StatusInit, f.repository(t, "cyclic").Status)

	require.ErrorIs(t, f.manager.Reset(ctx, "cyclic"), lifecycle.ErrInvalidTransition)
}

func TestUnavailableBackendKeepsPreviousStatus(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.driver.Seed("/src/origin", linearHistory())

	_, err := f.manager.CloneFrom(ctx, "mirror", "/src/origin", "origin", lifecycle.CreateOptions{})
	require.NoError(t, err)

	mirror, _ := f.driver.Repo("/repos/mirror")
	mirror.SetUnavailable(true)

	_, err = f.manager.Refresh(ctx, "mirror")
	require.ErrorIs(t, err, backend.ErrUnavailable)

	repo := f.repository(t, "mirror")
	assert.Equal(t, store.StatusReady, repo.Status)
	assert.Contains(t, repo.LastError, "unavailable")

	mirror.SetUnavailable(false)

	_, err = f.manager.Refresh(ctx, "mirror")
	require.NoError(t, err)
	assert.Empty(t, f.repository(t, "mirror").LastError)
}

func TestCloneFromMissingSourceReturnsToInit(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.CloneFrom(ctx, "mirror", "/src/missing", "origin", lifecycle.CreateOptions{})
	require.ErrorIs(t, err, backend.ErrUnavailable)

	repo := f.repository(t, "mirror")
	assert.Equal(t, store.StatusInit, repo.Status)
	assert.NotEmpty(t, repo.LastError)

	f.driver.Seed("/src/missing", linearHistory())

	result, err := f.manager.Refresh(ctx, "mirror")
	require.NoError(t, err)
	assert.Equal(t, 3, result.NewCommits)
}

func TestFailedCommitLeavesSyncIncomplete(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	broken := linearHistory()
	broken.Fail("TB", backend.ErrCorruptObject)
	f.driver.Seed("/src/broken", broken)

	_, err := f.manager.Create(ctx, "broken", lifecycle.CreateOptions{Path: "/src/broken"})
	require.ErrorIs(t, err, lifecycle.ErrIncomplete)

	repo := f.repository(t, "broken")
	assert.Equal(t, store.StatusInit, repo.Status)
	assert.Contains(t, repo.LastError, "B")
	assert.Equal(t, 1, f.commits(t, repo.ID))

	broken.Fail("TB", nil)

	result, err := f.manager.Refresh(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, 2, result.NewCommits)
}

func TestIncompleteRefreshKeepsRefsOnIndexedCommits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.driver.Seed("/src/origin", linearHistory())

	_, err := f.manager.CloneFrom(ctx, "mirror", "/src/origin", "origin", lifecycle.CreateOptions{})
	require.NoError(t, err)

	mirror, ok := f.driver.Repo("/repos/mirror")
	require.True(t, ok)

	mirror.AddTree("TD", blob("d.txt", "X"))
	mirror.AddCommit("D", "TD", "C")
	mirror.Fail("TD", backend.ErrObjectNotFound)
	mirror.SetRef("refs/heads/main", "D")
	mirror.SetRef("refs/tags/v2", "C")

	_, err = f.manager.Refresh(ctx, "mirror")
	require.ErrorIs(t, err, lifecycle.ErrIncomplete)

	repo := f.repository(t, "mirror")
	assert.Equal(t, store.StatusReady, repo.Status)
	require.Len(t, repo.Heads, 1)
	assert.Equal(t, "C", repo.Heads[0].OID, "main stays on the last indexed commit")
	assert.ElementsMatch(t, []string{"refs/tags/v1", "refs/tags/v2"}, refNames(repo.Tags))

	svc := query.New(f.store, f.manager, query.Options{})

	latest, err := svc.Latest(ctx, "mirror")
	require.NoError(t, err)
	assert.Equal(t, "C", latest.OID)

	page, err := svc.Log(ctx, "mirror", nil, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B", "A"}, page.IDs)

	mirror.Fail("TD", nil)

	_, err = f.manager.Refresh(ctx, "mirror")
	require.NoError(t, err)
	assert.Equal(t, "D", f.repository(t, "mirror").Heads[0].OID)
}

func TestRefreshDropsDeletedRefs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.driver.Seed("/src/origin", linearHistory())

	_, err := f.manager.CloneFrom(ctx, "mirror", "/src/origin", "origin", lifecycle.CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{"refs/tags/v1"}, refNames(f.repository(t, "mirror").Tags))

	mirror, _ := f.driver.Repo("/repos/mirror")
	mirror.DeleteRef("refs/tags/v1")

	result, err := f.manager.Refresh(ctx, "mirror")
	require.NoError(t, err)
	assert.Zero(t, result.NewCommits)

	repo := f.repository(t, "mirror")
	assert.Empty(t, repo.Tags)
	assert.Equal(t, []string{"refs/heads/main"}, refNames(repo.Heads))
}

func TestInterruptedRefreshFallsBackToReady(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.driver.Seed("/src/origin", linearHistory())

	created, err := f.manager.CloneFrom(ctx, "mirror", "/src/origin", "origin", lifecycle.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.store.SetStatus(ctx, created.ID, store.StatusAnalyzing, ""))

	mirror, _ := f.driver.Repo("/repos/mirror")
	mirror.SetUnavailable(true)

	require.NoError(t, f.manager.Recover(ctx))
	f.manager.Wait()

	repo := f.repository(t, "mirror")
	assert.Equal(t, store.StatusReady, repo.Status)
	assert.Contains(t, repo.LastError, "unavailable")
	assert.Equal(t, "C", repo.Heads[0].OID)

	_, err = f.manager.Open(ctx, repo)
	require.NoError(t, err)
}

func TestRefreshResumesFromCheckpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	mem := linearHistory()
	f.driver.Seed("/src/crashed", mem)

	repo := &store.Repository{
		ID:     "crashed-id",
		Name:   "crashed",
		Kind:   backend.KindGit,
		Driver: f.driver.Name(),
		Path:   "/src/crashed",
		Status: store.StatusAnalyzing,
	}
	require.NoError(t, f.store.CreateRepository(ctx, repo))

	_, err := indexer.New(f.store, indexer.Options{}).Run(ctx,
		indexer.Target{RepoID: repo.ID, Kind: backend.KindGit}, mem, []string{"A", "B"}, 0)
	require.NoError(t, err)

	refs, err := mem.ListRefs(ctx)
	require.NoError(t, err)

	cp := checkpoint.NewManager(f.checkpointDir, repo.ID)
	require.NoError(t, cp.SaveOrder(refs, []string{"A", "B", "C"}))
	require.NoError(t, cp.SaveProgress(2, "B"))

	result, err := f.manager.Refresh(ctx, "crashed")
	require.NoError(t, err)

	assert.True(t, result.Resumed)
	assert.Equal(t, 1, result.NewCommits)
	assert.Zero(t, result.Stats.Skipped)
	assert.Equal(t, store.StatusReady, result.Status)
	assert.False(t, cp.Exists())
}

func TestCheckpointIgnoredWhenRefsMoved(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	mem := linearHistory()
	f.driver.Seed("/src/moved", mem)

	repo := &store.Repository{
		ID:     "moved-id",
		Name:   "moved",
		Kind:   backend.KindGit,
		Driver: f.driver.Name(),
		Path:   "/src/moved",
		Status: store.StatusAnalyzing,
	}
	require.NoError(t, f.store.CreateRepository(ctx, repo))

	cp := checkpoint.NewManager(f.checkpointDir, repo.ID)
	require.NoError(t, cp.SaveOrder([]backend.Ref{{Name: "refs/heads/main", OID: "A", Type: backend.RefHead}}, []string{"A"}))

	result, err := f.manager.Refresh(ctx, "moved")
	require.NoError(t, err)

	assert.False(t, result.Resumed)
	assert.Equal(t, 3, result.NewCommits)
}

func TestRecoverRestartsInterruptedRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.driver.Seed("/src/stuck", linearHistory())

	require.NoError(t, f.store.CreateRepository(ctx, &store.Repository{
		ID:     "stuck-id",
		Name:   "stuck",
		Kind:   backend.KindGit,
		Driver: f.driver.Name(),
		Path:   "/src/stuck",
		Status: store.StatusInitializing,
	}))

	require.NoError(t, f.manager.Recover(ctx))
	f.manager.Wait()

	repo := f.repository(t, "stuck")
	assert.Equal(t, store.StatusReady, repo.Status)
	assert.Equal(t, 3, f.commits(t, repo.ID))
}

func TestTriggerRunsInBackground(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.driver.Seed("/src/origin", linearHistory())

	_, err := f.manager.CloneFrom(ctx, "mirror", "/src/origin", "origin", lifecycle.CreateOptions{})
	require.NoError(t, err)

	mirror, _ := f.driver.Repo("/repos/mirror")
	mirror.AddCommit("D", "TA", "C")
	mirror.SetRef("refs/heads/main", "D")

	require.NoError(t, f.manager.Trigger(ctx, "mirror"))
	f.manager.Wait()

	assert.Equal(t, 4, f.commits(t, f.repository(t, "mirror").ID))
	require.ErrorIs(t, f.manager.Trigger(ctx, "unknown"), lifecycle.ErrNotFound)
}

func TestDeleteKeepsSharedRecords(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.driver.Seed("/src/origin", linearHistory())

	_, err := f.manager.CloneFrom(ctx, "mirror", "/src/origin", "origin", lifecycle.CreateOptions{})
	require.NoError(t, err)

	require.NoError(t, f.manager.Delete(ctx, "mirror"))

	_, err = f.manager.Repository(ctx, "mirror")
	require.ErrorIs(t, err, lifecycle.ErrNotFound)

	_, err = f.store.Commit(ctx, backend.KindGit, "C")
	require.NoError(t, err)

	require.ErrorIs(t, f.manager.Delete(ctx, "mirror"), lifecycle.ErrNotFound)
}

func TestOpenRequiresInitializedRepository(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Open(ctx, &store.Repository{Name: "new", Status: store.StatusInit})
	require.ErrorIs(t, err, lifecycle.ErrNotInitialized)

	_, err = f.manager.Create(ctx, "ready", lifecycle.CreateOptions{})
	require.NoError(t, err)

	port, err := f.manager.Open(ctx, f.repository(t, "ready"))
	require.NoError(t, err)
	assert.Equal(t, backend.KindGit, port.Kind())
}

func TestClosedManagerRejectsRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateRepository(ctx, &store.Repository{
		ID: "late-id", Name: "late", Kind: backend.KindGit, Driver: f.driver.Name(),
		Path: "/src/late", Status: store.StatusInit,
	}))

	require.NoError(t, f.manager.Close())

	_, err := f.manager.Refresh(ctx, "late")
	require.ErrorIs(t, err, lifecycle.ErrClosed)
	require.ErrorIs(t, f.manager.Trigger(ctx, "late"), lifecycle.ErrClosed)
}

// crowdingDriver serves ports that fail once closed. The first commit read on
// any of them opens an unrelated repository through the shared handle cache.
type crowdingDriver struct {
	*backend.MemoryDriver

	handles *cache.Handles
	once    sync.Once
}

func (d *crowdingDriver) Open(ctx context.Context, path string) (backend.Port, error) {
	port, err := d.MemoryDriver.Open(ctx, path)
	if err != nil {
		return nil, err
	}

	return &closablePort{Port: port, driver: d}, nil
}

type closablePort struct {
	backend.Port

	driver *crowdingDriver
	closed atomic.Bool
}

func (p *closablePort) GetCommit(ctx context.Context, oid string) (*backend.CommitInfo, error) {
	p.driver.once.Do(func() {
		_, _ = p.driver.handles.Get(ctx, "unrelated", func(context.Context) (backend.Port, error) {
			return backend.NewMemory(backend.KindGit), nil
		})
	})

	if p.closed.Load() {
		return nil, backend.ErrUnavailable
	}

	return p.Port.GetCommit(ctx, oid)
}

func (p *closablePort) Close() error {
	p.closed.Store(true)

	return p.Port.Close()
}

func TestRunKeepsItsHandleWhenTheCacheIsFull(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "index.db"), store.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { st.Close() })

	handles := cache.NewHandles(1, nil)
	driver := &crowdingDriver{MemoryDriver: backend.NewMemoryDriver(), handles: handles}
	driver.Seed("/src/origin", linearHistory())

	mgr, err := lifecycle.New(lifecycle.Options{
		Store:         st,
		Drivers:       backend.NewRegistry(driver),
		DefaultDriver: driver.Name(),
		Handles:       handles,
		Root:          "/repos",
		BatchSize:     1,
	})
	require.NoError(t, err)

	t.Cleanup(func() { mgr.Close() })

	result, err := mgr.Create(ctx, "origin", lifecycle.CreateOptions{Path: "/src/origin"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.NewCommits)
	assert.Equal(t, store.StatusReady, result.Status)

	stats := handles.Stats()
	assert.Equal(t, 1, stats.Entries)
	assert.Equal(t, int64(1), stats.Evictions)
}
