package trigger_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/forgemirror/pkg/trigger"
)

const testDebounce = 50 * time.Millisecond

func bareRepo(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "refs", "heads"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "refs", "tags"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "HEAD"), []byte("ref: refs/heads/main\n"), 0o644))

	return dir
}

func startWatcher(t *testing.T, sink trigger.Sink) *trigger.Watcher {
	t.Helper()

	w, err := trigger.NewWatcher(sink, testDebounce, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- w.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return w
}

func TestWatcherDebouncesRefUpdates(t *testing.T) {
	t.Parallel()

	sink := newSink()
	repo := bareRepo(t)
	w := startWatcher(t, sink)
	require.NoError(t, w.Add("mirror", repo))

	main := filepath.Join(repo, "refs", "heads", "main")
	for i := range 3 {
		require.NoError(t, os.WriteFile(main, []byte{byte('a' + i), '\n'}, 0o644))
	}

	require.Eventually(t, func() bool { return len(sink.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond)

	time.Sleep(3 * testDebounce)
	assert.Equal(t, []string{"mirror"}, sink.Calls())
}

func TestWatcherFollowsPackedRefsAndNewDirectories(t *testing.T) {
	t.Parallel()

	sink := newSink()
	repo := bareRepo(t)
	w := startWatcher(t, sink)
	require.NoError(t, w.Add("mirror", repo))

	require.NoError(t, os.WriteFile(filepath.Join(repo, "packed-refs"), []byte("# pack-refs\n"), 0o644))
	require.Eventually(t, func() bool { return len(sink.Calls()) == 1 }, 2*time.Second, 10*time.Millisecond)

	feature := filepath.Join(repo, "refs", "heads", "feature")
	require.NoError(t, os.Mkdir(feature, 0o755))
	time.Sleep(3 * testDebounce)

	require.NoError(t, os.WriteFile(filepath.Join(feature, "x"), []byte("b\n"), 0o644))
	require.Eventually(t, func() bool { return len(sink.Calls()) >= 3 }, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherIgnoresOtherFiles(t *testing.T) {
	t.Parallel()

	sink := newSink()
	repo := bareRepo(t)
	w := startWatcher(t, sink)
	require.NoError(t, w.Add("mirror", repo))

	require.NoError(t, os.WriteFile(filepath.Join(repo, "config"), []byte("[core]\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "refs", "heads", "main.lock"), []byte("a\n"), 0o644))

	assert.Never(t, func() bool { return len(sink.Calls()) > 0 }, 4*testDebounce, 10*time.Millisecond)
}

func TestWatcherRemove(t *testing.T) {
	t.Parallel()

	sink := newSink()
	repo := bareRepo(t)
	w := startWatcher(t, sink)
	require.NoError(t, w.Add("mirror", repo))

	w.Remove("mirror")

	require.NoError(t, os.WriteFile(filepath.Join(repo, "refs", "heads", "main"), []byte("a\n"), 0o644))
	assert.Never(t, func() bool { return len(sink.Calls()) > 0 }, 4*testDebounce, 10*time.Millisecond)
}
