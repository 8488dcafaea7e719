package gitlib_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	git2go "github.com/libgit2/git2go/v34"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/forgemirror/pkg/gitlib"
)

// testRepo wraps a non-bare libgit2 repository with a working directory.
type testRepo struct {
	t      *testing.T
	path   string
	native *git2go.Repository
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()

	dir := t.TempDir()

	repo, err := git2go.InitRepository(dir, false)
	require.NoError(t, err)

	t.Cleanup(repo.Free)

	return &testRepo{t: t, path: dir, native: repo}
}

func (tr *testRepo) createFile(name, content string) {
	tr.t.Helper()

	path := filepath.Join(tr.path, name)
	require.NoError(tr.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(tr.t, os.WriteFile(path, []byte(content), 0o644))
}

// commit stages all files and creates a commit on HEAD.
func (tr *testRepo) commit(message string) gitlib.Hash {
	tr.t.Helper()

	index, err := tr.native.Index()
	require.NoError(tr.t, err)

	defer index.Free()

	require.NoError(tr.t, index.AddAll([]string{"*"}, git2go.IndexAddDefault, nil))
	require.NoError(tr.t, index.Write())

	treeID, err := index.WriteTree()
	require.NoError(tr.t, err)

	tree, err := tr.native.LookupTree(treeID)
	require.NoError(tr.t, err)

	defer tree.Free()

	sig := &git2go.Signature{Name: "Test User", Email: "test@example.com", When: time.Unix(1700000000, 0)}

	var parents []*git2go.Commit

	head, err := tr.native.Head()
	if err == nil {
		headCommit, lookupErr := tr.native.LookupCommit(head.Target())
		require.NoError(tr.t, lookupErr)

		parents = append(parents, headCommit)

		head.Free()
	}

	oid, err := tr.native.CreateCommit("HEAD", sig, sig, message, tree, parents...)
	require.NoError(tr.t, err)

	for _, parent := range parents {
		parent.Free()
	}

	return gitlib.HashFromOid(oid)
}

func (tr *testRepo) tag(name string, target gitlib.Hash) {
	tr.t.Helper()

	commit, err := tr.native.LookupCommit(target.ToOid())
	require.NoError(tr.t, err)

	defer commit.Free()

	_, err = tr.native.Tags.CreateLightweight(name, commit, false)
	require.NoError(tr.t, err)
}

func TestOpenRepository(t *testing.T) {
	t.Parallel()

	tr := newTestRepo(t)
	tr.createFile("test.txt", "content")
	tr.commit("initial")

	repo, err := gitlib.OpenRepository(tr.path)
	require.NoError(t, err)

	defer repo.Free()

	assert.Equal(t, tr.path, repo.Path())
	assert.NotNil(t, repo.Native())
}

func TestOpenRepositoryNotFound(t *testing.T) {
	t.Parallel()

	repo, err := gitlib.OpenRepository(filepath.Join(t.TempDir(), "missing"))

	assert.Nil(t, repo)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open repository")
}

func TestInitAndCloneRepository(t *testing.T) {
	t.Parallel()

	tr := newTestRepo(t)
	tr.createFile("a.txt", "a")
	first := tr.commit("first")

	bare, err := gitlib.InitRepository(filepath.Join(t.TempDir(), "empty.git"))
	require.NoError(t, err)

	refs, err := bare.References()
	require.NoError(t, err)
	assert.Empty(t, refs)
	bare.Free()

	clone, err := gitlib.CloneRepository(tr.path, filepath.Join(t.TempDir(), "clone.git"))
	require.NoError(t, err)

	defer clone.Free()

	head, err := clone.Head()
	require.NoError(t, err)
	assert.Equal(t, first, head)
}

func TestRepositoryResolve(t *testing.T) {
	t.Parallel()

	tr := newTestRepo(t)
	tr.createFile("a.txt", "a")
	first := tr.commit("first")
	tr.createFile("b.txt", "b")
	second := tr.commit("second")
	tr.tag("v1", first)

	repo, err := gitlib.OpenRepository(tr.path)
	require.NoError(t, err)

	defer repo.Free()

	got, err := repo.Resolve("HEAD")
	require.NoError(t, err)
	assert.Equal(t, second, got)

	got, err = repo.Resolve("v1")
	require.NoError(t, err)
	assert.Equal(t, first, got)

	got, err = repo.Resolve(first.String())
	require.NoError(t, err)
	assert.Equal(t, first, got)

	_, err = repo.Resolve("no-such-branch")
	require.ErrorIs(t, err, gitlib.ErrNotFound)
}

func TestRepositoryReferences(t *testing.T) {
	t.Parallel()

	tr := newTestRepo(t)
	tr.createFile("a.txt", "a")
	first := tr.commit("first")
	tr.tag("v1", first)

	repo, err := gitlib.OpenRepository(tr.path)
	require.NoError(t, err)

	defer repo.Free()

	refs, err := repo.References()
	require.NoError(t, err)

	byName := map[string]gitlib.Reference{}
	for _, ref := range refs {
		byName[ref.Name] = ref
	}

	head, err := repo.Head()
	require.NoError(t, err)

	var branch gitlib.Reference

	for _, ref := range refs {
		if ref.IsBranch() {
			branch = ref
		}
	}

	assert.Equal(t, head, branch.Target)
	assert.True(t, byName["refs/tags/v1"].IsTag())
	assert.Equal(t, first, byName["refs/tags/v1"].Target)
}

func TestLookupCommitTreeBlob(t *testing.T) {
	t.Parallel()

	tr := newTestRepo(t)
	tr.createFile("README", "hello")
	tr.createFile("src/main.go", "package main")
	parent := tr.commit("first")
	tr.createFile("README", "hello again")
	child := tr.commit("second")

	repo, err := gitlib.OpenRepository(tr.path)
	require.NoError(t, err)

	defer repo.Free()

	commit, err := repo.LookupCommit(child)
	require.NoError(t, err)

	defer commit.Free()

	assert.Equal(t, child, commit.Hash())
	assert.Equal(t, []gitlib.Hash{parent}, commit.ParentHashes())
	assert.Equal(t, "Test User", commit.Author().Name)
	assert.Equal(t, "test@example.com", commit.Committer().Email)
	assert.Contains(t, commit.Message(), "second")

	tree, err := repo.LookupTree(commit.TreeHash())
	require.NoError(t, err)

	defer tree.Free()

	entries := tree.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "README", entries[0].Name)
	assert.Equal(t, gitlib.EntryBlob, entries[0].Type)
	assert.Equal(t, "src", entries[1].Name)
	assert.Equal(t, gitlib.EntryTree, entries[1].Type)

	blob, err := repo.LookupBlob(entries[0].Hash)
	require.NoError(t, err)

	defer blob.Free()

	assert.Equal(t, "hello again", string(blob.Contents()))
	assert.Equal(t, int64(len("hello again")), blob.Size())
}

func TestLookupNotFound(t *testing.T) {
	t.Parallel()

	tr := newTestRepo(t)
	tr.createFile("a.txt", "a")
	tr.commit("first")

	repo, err := gitlib.OpenRepository(tr.path)
	require.NoError(t, err)

	defer repo.Free()

	missing, err := gitlib.ParseHash("0123456789012345678901234567890123456789")
	require.NoError(t, err)

	_, err = repo.LookupCommit(missing)
	require.ErrorIs(t, err, gitlib.ErrNotFound)

	_, err = repo.LookupTree(missing)
	require.ErrorIs(t, err, gitlib.ErrNotFound)

	_, err = repo.LookupBlob(missing)
	require.ErrorIs(t, err, gitlib.ErrNotFound)
}

func TestParseHash(t *testing.T) {
	t.Parallel()

	h, err := gitlib.ParseHash("ffffffffffffffffffffffffffffffffffffffff")
	require.NoError(t, err)
	assert.Equal(t, "ffffffffffffffffffffffffffffffffffffffff", h.String())
	assert.False(t, h.IsZero())

	_, err = gitlib.ParseHash("abc")
	require.ErrorIs(t, err, gitlib.ErrInvalidHash)

	_, err = gitlib.ParseHash("zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz")
	require.ErrorIs(t, err, gitlib.ErrInvalidHash)

	assert.True(t, gitlib.Hash{}.IsZero())
}
