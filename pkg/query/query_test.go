package query_test

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/forgemirror/pkg/backend"
	"github.com/Sumatoshi-tech/forgemirror/pkg/lifecycle"
	"github.com/Sumatoshi-tech/forgemirror/pkg/query"
	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

type fixture struct {
	store   *store.Store
	driver  *backend.MemoryDriver
	manager *lifecycle.Manager
	service *query.Service
}

func blob(name, oid string) backend.TreeEntry {
	return backend.TreeEntry{Name: name, OID: oid, Type: backend.EntryBlob}
}

func subtree(name, oid string) backend.TreeEntry {
	return backend.TreeEntry{Name: name, OID: oid, Type: backend.EntryTree}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "index.db"), store.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { st.Close() })

	src := backend.NewMemory(backend.KindGit)
	src.AddBlob("X", []byte("x"))
	src.AddBlob("G", []byte("package main\n"))
	src.AddTree("TA", blob("x.txt", "X"))
	src.AddTree("TB", blob("main.go", "G"), blob("x.txt", "X"))
	src.AddTree("TD", blob("copy.txt", "X"))
	src.AddTree("TC", subtree("dir", "TD"), blob("main.go", "G"), blob("x.txt", "X"))
	src.AddCommit("A", "TA")
	src.AddCommit("B", "TB", "A")
	src.AddCommit("C", "TC", "B")
	src.SetRef("refs/heads/main", "C")
	src.SetRef("refs/tags/v1", "B")

	driver := backend.NewMemoryDriver()
	driver.Seed("/src/origin", src)

	mgr, err := lifecycle.New(lifecycle.Options{
		Store:         st,
		Drivers:       backend.NewRegistry(driver),
		DefaultDriver: driver.Name(),
		Root:          "/repos",
	})
	require.NoError(t, err)

	t.Cleanup(func() { mgr.Close() })

	_, err = mgr.CloneFrom(ctx, "mirror", "/src/origin", "origin", lifecycle.CreateOptions{})
	require.NoError(t, err)

	return &fixture{
		store:   st,
		driver:  driver,
		manager: mgr,
		service: query.New(st, mgr, query.Options{}),
	}
}

func TestShortID(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "[0123ab]", query.ShortID("0123abcdef0123abcdef0123abcdef0123abcdef"))
	assert.Equal(t, "[abc]", query.ShortID("abc"))
}

func TestCommitResolvesRevisions(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		rev  string
		want string
	}{
		{"main", "C"},
		{"refs/heads/main", "C"},
		{"v1", "B"},
		{"A", "A"},
	}

	for _, tt := range tests {
		commit, err := f.service.Commit(ctx, "mirror", tt.rev)
		require.NoError(t, err, tt.rev)
		assert.Equal(t, tt.want, commit.OID, tt.rev)
	}

	_, err := f.service.Commit(ctx, "mirror", "nope")
	require.ErrorIs(t, err, query.ErrNotFound)
}

func TestCommitHidesUnindexedCommits(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	mirror, ok := f.driver.Repo("/repos/mirror")
	require.True(t, ok)
	mirror.AddCommit("D", "TA", "C")

	_, err := f.service.Commit(ctx, "mirror", "D")
	require.ErrorIs(t, err, query.ErrNotFound)
}

func TestLatestAndLog(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	latest, err := f.service.Latest(ctx, "mirror")
	require.NoError(t, err)
	assert.Equal(t, "C", latest.OID)

	page, err := f.service.Log(ctx, "mirror", nil, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B"}, page.IDs)
	assert.Equal(t, []string{"A"}, page.Frontier)

	page, err = f.service.Log(ctx, "mirror", []string{"v1"}, 1, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, page.IDs)
	assert.Empty(t, page.Frontier)
}

func TestQueriesFollowCapturedRefs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	mirror, ok := f.driver.Repo("/repos/mirror")
	require.True(t, ok)
	mirror.AddCommit("D", "TA", "C")
	mirror.SetRef("refs/heads/main", "D")

	latest, err := f.service.Latest(ctx, "mirror")
	require.NoError(t, err)
	assert.Equal(t, "C", latest.OID)

	for _, rev := range []string{"main", "HEAD", "refs/heads/main"} {
		commit, err := f.service.Commit(ctx, "mirror", rev)
		require.NoError(t, err, rev)
		assert.Equal(t, "C", commit.OID, rev)
	}

	page, err := f.service.Log(ctx, "mirror", nil, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B", "A"}, page.IDs)
}

func TestLatestPrefersTheCheckedOutHead(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	mirror, ok := f.driver.Repo("/repos/mirror")
	require.True(t, ok)
	mirror.SetRef("refs/heads/dev", "A")

	_, err := f.manager.Refresh(ctx, "mirror")
	require.NoError(t, err)

	latest, err := f.service.Latest(ctx, "mirror")
	require.NoError(t, err)
	assert.Equal(t, "C", latest.OID, "HEAD is on main even though dev sorts first")

	dev, err := f.service.Commit(ctx, "mirror", "dev")
	require.NoError(t, err)
	assert.Equal(t, "A", dev.OID)
}

func TestCommitContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	neighbours, err := f.service.CommitContext(context.Background(), "mirror", "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, neighbours.Prev)
	assert.Equal(t, []string{"C"}, neighbours.Next)
}

func TestTreeEntriesCarryLanguage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)

	entries, err := f.service.TreeEntries(context.Background(), "mirror", "TC")
	require.NoError(t, err)
	require.Len(t, entries, 3)

	byName := make(map[string]query.Entry, len(entries))
	for _, e := range entries {
		byName[e.Name] = e
	}

	assert.Equal(t, backend.EntryTree, byName["dir"].Type)
	assert.Empty(t, byName["dir"].Language)
	assert.Equal(t, "Go", byName["main.go"].Language)
	assert.Equal(t, "G", byName["main.go"].OID)

	_, err = f.service.TreeEntries(context.Background(), "mirror", "missing")
	require.ErrorIs(t, err, query.ErrNotFound)
}

func TestGetPath(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	root, err := f.service.GetPath(ctx, "mirror", "main", "")
	require.NoError(t, err)
	assert.Equal(t, "TC", root.OID)
	assert.Equal(t, backend.EntryTree, root.Type)

	dir, err := f.service.GetPath(ctx, "mirror", "main", "/dir/")
	require.NoError(t, err)
	assert.Equal(t, "TD", dir.OID)

	file, err := f.service.GetPath(ctx, "mirror", "main", "dir/copy.txt")
	require.NoError(t, err)
	assert.Equal(t, "X", file.OID)
	assert.Equal(t, backend.EntryBlob, file.Type)

	_, err = f.service.GetPath(ctx, "mirror", "v1", "dir/copy.txt")
	require.ErrorIs(t, err, query.ErrNotFound)

	_, err = f.service.GetPath(ctx, "mirror", "main", "x.txt/deeper")
	require.ErrorIs(t, err, query.ErrNotFound)
}

func TestOpenBlob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	rc, err := f.service.OpenBlob(ctx, "mirror", "main", "main.go")
	require.NoError(t, err)

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "package main\n", string(data))

	_, err = f.service.OpenBlob(ctx, "mirror", "main", "dir")
	require.ErrorIs(t, err, query.ErrNotBlob)
}

func TestRepositoriesMustBeReady(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateRepository(ctx, &store.Repository{
		ID: "pending-id", Name: "pending", Kind: backend.KindGit, Driver: f.driver.Name(),
		Path: "/repos/pending", Status: store.StatusInit,
	}))

	_, err := f.service.Latest(ctx, "pending")
	require.ErrorIs(t, err, query.ErrNotReady)

	partial := query.New(f.store, f.manager, query.Options{AllowPartial: true})

	_, err = partial.Commit(ctx, "pending", "main")
	require.ErrorIs(t, err, lifecycle.ErrNotInitialized)

	_, err = f.service.Latest(ctx, "unknown")
	require.ErrorIs(t, err, lifecycle.ErrNotFound)
}
