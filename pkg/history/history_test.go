package history_test

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/forgemirror/pkg/backend"
	"github.com/Sumatoshi-tech/forgemirror/pkg/history"
	"github.com/Sumatoshi-tech/forgemirror/pkg/indexer"
	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

// graphSource serves a fixed parent map.
type graphSource struct {
	parents map[string][]string
	calls   int
}

func (g *graphSource) CommitParents(_ context.Context, _, oid string) ([]string, error) {
	g.calls++

	p, ok := g.parents[oid]
	if !ok {
		return nil, fmt.Errorf("commit %s: %w", oid, store.ErrNotFound)
	}

	return p, nil
}

func (g *graphSource) PrevCommits(ctx context.Context, kind, oid string) ([]string, error) {
	return g.CommitParents(ctx, kind, oid)
}

func (g *graphSource) NextCommits(_ context.Context, _, oid, _ string) ([]string, error) {
	var next []string

	for child, parents := range g.parents {
		if slices.Contains(parents, oid) {
			next = append(next, child)
		}
	}

	slices.Sort(next)

	return next, nil
}

func chain() *graphSource {
	return &graphSource{parents: map[string][]string{
		"H": {"G"}, "G": {"F"}, "F": {"E"}, "E": {"D"}, "D": {},
	}}
}

func diamond() *graphSource {
	return &graphSource{parents: map[string][]string{
		"D": {"B", "C"}, "B": {"A"}, "C": {"A"}, "A": {},
	}}
}

func TestLogSkipAndCount(t *testing.T) {
	t.Parallel()

	page, err := history.Log(context.Background(), chain(), backend.KindGit, []string{"H"}, 1, 2)
	require.NoError(t, err)

	assert.Equal(t, []string{"G", "F"}, page.IDs)
	assert.Equal(t, []string{"E"}, page.Frontier)
}

func TestLogPaginatesThroughFrontier(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	src := chain()

	var all []string

	seeds := []string{"H"}
	for len(seeds) > 0 {
		page, err := history.Log(ctx, src, backend.KindGit, seeds, 0, 2)
		require.NoError(t, err)

		all = append(all, page.IDs...)
		seeds = page.Frontier
	}

	assert.Equal(t, []string{"H", "G", "F", "E", "D"}, all)
}

func TestLogDiamondVisitsMergeBaseOnce(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	page, err := history.Log(ctx, diamond(), backend.KindGit, []string{"D"}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"D", "B", "C", "A"}, page.IDs)
	assert.Empty(t, page.Frontier)

	page, err = history.Log(ctx, diamond(), backend.KindGit, []string{"D"}, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"D", "B"}, page.IDs)
	assert.Equal(t, []string{"C", "A"}, page.Frontier)

	page, err = history.Log(ctx, diamond(), backend.KindGit, page.Frontier, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A"}, page.IDs)
	assert.Empty(t, page.Frontier)
}

func TestLogSeedsAreDeduplicated(t *testing.T) {
	t.Parallel()

	page, err := history.Log(context.Background(), diamond(), backend.KindGit, []string{"B", "C", "B"}, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C", "A"}, page.IDs)
}

func TestLogUnknownSeed(t *testing.T) {
	t.Parallel()

	_, err := history.Log(context.Background(), chain(), backend.KindGit, []string{"H", "nope"}, 0, 1)
	require.ErrorIs(t, err, history.ErrUnknownCommit)
}

func TestLogZeroCount(t *testing.T) {
	t.Parallel()

	page, err := history.Log(context.Background(), chain(), backend.KindGit, []string{"H"}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, page.IDs)
	assert.Equal(t, []string{"H"}, page.Frontier)
}

func TestContext(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	n, err := history.Context(ctx, diamond(), backend.KindGit, "r1", "A")
	require.NoError(t, err)
	assert.Empty(t, n.Prev)
	assert.Equal(t, []string{"B", "C"}, n.Next)

	n, err = history.Context(ctx, diamond(), backend.KindGit, "r1", "D")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, n.Prev)
	assert.Empty(t, n.Next)

	_, err = history.Context(ctx, diamond(), backend.KindGit, "r1", "Z")
	require.ErrorIs(t, err, history.ErrUnknownCommit)
}

func TestLogOverStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	st, err := store.Open(ctx, filepath.Join(t.TempDir(), "index.db"), store.Options{})
	require.NoError(t, err)

	t.Cleanup(func() { st.Close() })

	repo := backend.NewMemory(backend.KindGit)
	repo.AddTree("T")
	repo.AddCommit("A", "T")
	repo.AddCommit("B", "T", "A")
	repo.AddCommit("C", "T", "A")
	repo.AddCommit("D", "T", "B", "C")

	_, err = indexer.New(st, indexer.Options{}).
		Run(ctx, indexer.Target{RepoID: "r1", Kind: backend.KindGit}, repo, []string{"A", "B", "C", "D"}, 0)
	require.NoError(t, err)

	page, err := history.Log(ctx, st, backend.KindGit, []string{"D"}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, page.IDs)
	assert.Equal(t, []string{"A"}, page.Frontier)

	n, err := history.Context(ctx, st, backend.KindGit, "r1", "D")
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, n.Prev)
	assert.Empty(t, n.Next)
}
