package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/forgemirror/pkg/observability"
	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

// The tests below open full apps, which install global telemetry providers,
// so they do not run in parallel.

func writeConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	cfg := map[string]any{
		"store":        map[string]any{"path": filepath.Join(dir, "index.db")},
		"repositories": map[string]any{"root": filepath.Join(dir, "repos"), "driver": "gogit"},
		"checkpoint":   map[string]any{"dir": filepath.Join(dir, "checkpoints")},
		"logging":      map[string]any{"level": "error"},
	}

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)

	path := filepath.Join(dir, "forgemirror.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return path
}

// newSource creates a working repository with two commits on master.
func newSource(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	wt, err := repo.Worktree()
	require.NoError(t, err)

	when := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	for i, files := range []map[string]string{
		{"README": "forgemirror\n"},
		{"src/main.go": "package main\n"},
	} {
		for name, content := range files {
			path := filepath.Join(dir, name)
			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			_, err = wt.Add(name)
			require.NoError(t, err)
		}

		_, err = wt.Commit([]string{"initial import", "add main"}[i], &git.CommitOptions{
			Author: &object.Signature{Name: "Ann", Email: "ann@example.com", When: when.Add(time.Duration(i) * time.Hour)},
		})
		require.NoError(t, err)
	}

	return dir
}

func execute(t *testing.T, args ...string) string {
	t.Helper()

	out, err := tryExecute(args...)
	require.NoError(t, err, "forgemirror %s", strings.Join(args, " "))

	return out
}

func tryExecute(args ...string) (string, error) {
	var buf bytes.Buffer

	cmd := NewRootCommand()
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())

	return buf.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	t.Parallel()

	root := NewRootCommand()

	for _, name := range []string{"repo", "log", "show", "ls-tree", "cat", "serve", "mcp", "version"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, cmd.Name())
	}

	for _, flag := range []string{"config", "verbose", "output"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestRender(t *testing.T) {
	t.Parallel()

	value := map[string]int{"commits": 3}
	text := func(w io.Writer) error {
		_, err := w.Write([]byte("three commits\n"))

		return err
	}

	tests := []struct {
		format string
		want   string
	}{
		{format: formatText, want: "three commits\n"},
		{format: formatJSON, want: "{\n  \"commits\": 3\n}\n"},
		{format: formatYAML, want: "commits: 3\n"},
	}

	for _, tt := range tests {
		var buf bytes.Buffer

		require.NoError(t, render(&buf, tt.format, value, text), tt.format)
		assert.Equal(t, tt.want, buf.String(), tt.format)
	}

	require.ErrorIs(t, render(&bytes.Buffer{}, "xml", value, text), ErrUnknownFormat)
}

func TestFirstLine(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "walk failed", firstLine("walk failed\ndetails"))
	assert.Empty(t, firstLine(""))
}

func TestVersionCommand(t *testing.T) {
	out := execute(t, "version", "-o", "json")

	var info map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.NotEmpty(t, info["version"])
	assert.NotEmpty(t, info["go_version"])
}

func TestMirrorAndQuery(t *testing.T) {
	config := writeConfig(t)
	source := newSource(t)

	out := execute(t, "--config", config, "repo", "clone", "mirror", source)
	assert.Contains(t, out, "mirror")

	var statuses []map[string]any
	require.NoError(t, json.Unmarshal([]byte(execute(t, "--config", config, "repo", "status", "mirror", "-o", "json")), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, string(store.StatusReady), statuses[0]["status"])
	assert.InDelta(t, 2, statuses[0]["commits"], 0)
	assert.Equal(t, source, statuses[0]["upstream_url"])

	var log logOutput
	require.NoError(t, json.Unmarshal([]byte(execute(t, "--config", config, "log", "mirror", "-o", "json")), &log))
	require.Len(t, log.Commits, 2)
	assert.Equal(t, "add main", strings.TrimSpace(log.Commits[0].Message))
	assert.Empty(t, log.Frontier)

	var shown map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(execute(t, "--config", config, "show", "mirror", "-o", "yaml")), &shown))
	assert.Equal(t, log.Commits[0].OID, shown["oid"])
	assert.Equal(t, []any{log.Commits[1].OID}, shown["prev"])

	listing := execute(t, "--config", config, "ls-tree", "mirror", "HEAD", "src")
	assert.Contains(t, listing, "main.go")
	assert.Contains(t, listing, "Go")

	assert.Equal(t, "package main\n", execute(t, "--config", config, "cat", "mirror", "HEAD", "src/main.go"))

	refreshed := execute(t, "--config", config, "repo", "refresh", "mirror", "-o", "json")
	assert.Contains(t, refreshed, `"new_commits": 0`)

	_, err := tryExecute("--config", config, "repo", "clone", "mirror", source)
	require.Error(t, err)

	assert.Equal(t, "mirror deleted\n", execute(t, "--config", config, "repo", "delete", "mirror"))

	_, err = tryExecute("--config", config, "log", "mirror")
	require.Error(t, err)
}

func TestCreateEmptyRepository(t *testing.T) {
	config := writeConfig(t)

	execute(t, "--config", config, "repo", "create", "scratch")

	status := execute(t, "--config", config, "repo", "status")
	assert.Contains(t, status, "scratch")
	assert.Contains(t, status, "ready")
}

func TestServeHandler(t *testing.T) {
	config := writeConfig(t)

	err := withApp(context.Background(), &globalOptions{configPath: config}, observability.ModeServe, func(a *app) error {
		handler, err := a.handler()
		require.NoError(t, err)

		for path, code := range map[string]int{"/healthz": http.StatusOK, "/readyz": http.StatusOK, "/metrics": http.StatusOK} {
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			assert.Equal(t, code, rec.Code, path)
		}

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/repos/unknown/refresh", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)

		return nil
	})
	require.NoError(t, err)
}
