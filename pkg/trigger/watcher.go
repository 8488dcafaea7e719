package trigger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period after the last reference change
// before a sync is triggered.
const DefaultDebounce = 2 * time.Second

type watchedRepo struct {
	name     string
	gitDir   string
	debounce *debouncer
}

// Watcher triggers a sync when the references of a repository on disk
// change. It watches the refs/ tree, packed-refs and HEAD.
type Watcher struct {
	sink   Sink
	delay  time.Duration
	logger *slog.Logger
	fs     *fsnotify.Watcher

	mu    sync.Mutex
	repos map[string]*watchedRepo
}

// NewWatcher creates a watcher. delay <= 0 uses DefaultDebounce.
func NewWatcher(sink Sink, delay time.Duration, logger *slog.Logger) (*Watcher, error) {
	if delay <= 0 {
		delay = DefaultDebounce
	}

	if logger == nil {
		logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}

	return &Watcher{
		sink:   sink,
		delay:  delay,
		logger: logger,
		fs:     fsw,
		repos:  make(map[string]*watchedRepo),
	}, nil
}

// Add watches the repository stored at path under name.
func (w *Watcher) Add(name, path string) error {
	gitDir := resolveGitDir(path)

	if err := w.fs.Add(gitDir); err != nil {
		return fmt.Errorf("watch %s: %w", gitDir, err)
	}

	if err := w.addTree(filepath.Join(gitDir, "refs")); err != nil {
		return err
	}

	repo := &watchedRepo{name: name, gitDir: gitDir}
	repo.debounce = newDebouncer(w.delay, func() { w.fire(name) })

	w.mu.Lock()
	if old, ok := w.repos[name]; ok {
		old.debounce.stop()
	}

	w.repos[name] = repo
	w.mu.Unlock()

	w.logger.Debug("trigger: watching repository", "repository", name, "git_dir", gitDir)

	return nil
}

// Remove stops watching name.
func (w *Watcher) Remove(name string) {
	w.mu.Lock()
	repo, ok := w.repos[name]
	delete(w.repos, name)
	w.mu.Unlock()

	if !ok {
		return
	}

	repo.debounce.stop()

	for _, watched := range w.fs.WatchList() {
		if watched == repo.gitDir || strings.HasPrefix(watched, repo.gitDir+string(filepath.Separator)) {
			_ = w.fs.Remove(watched)
		}
	}
}

// Run dispatches file events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}

			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}

			w.logger.ErrorContext(ctx, "trigger: fsnotify error", "error", err)
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	if strings.EqualFold(filepath.Ext(ev.Name), ".lock") {
		return
	}

	repo := w.owner(ev.Name)
	if repo == nil {
		return
	}

	rel, err := filepath.Rel(repo.gitDir, ev.Name)
	if err != nil || !isRefPath(rel) {
		return
	}

	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				w.logger.Warn("trigger: cannot watch new ref directory", "path", ev.Name, "error", err)
			}
		}
	}

	w.logger.Debug("trigger: reference changed", "repository", repo.name, "path", rel, "op", ev.Op.String())
	repo.debounce.trigger()
}

func (w *Watcher) owner(path string) *watchedRepo {
	w.mu.Lock()
	defer w.mu.Unlock()

	var best *watchedRepo

	for _, repo := range w.repos {
		if path != repo.gitDir && !strings.HasPrefix(path, repo.gitDir+string(filepath.Separator)) {
			continue
		}

		if best == nil || len(repo.gitDir) > len(best.gitDir) {
			best = repo
		}
	}

	return best
}

func (w *Watcher) fire(name string) {
	ctx := context.Background()

	if err := w.sink.Trigger(ctx, name); err != nil {
		w.logger.WarnContext(ctx, "trigger: watcher could not start sync", "repository", name, "error", err)

		return
	}

	w.logger.InfoContext(ctx, "trigger: references changed, sync started", "repository", name)
}

// addTree watches root and every directory below it. A missing root is not
// an error; refs/ appears with the first reference.
func (w *Watcher) addTree(root string) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return w.fs.Add(path)
		}

		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("watch %s: %w", root, err)
	}

	return nil
}

func (w *Watcher) close() {
	w.mu.Lock()
	for _, repo := range w.repos {
		repo.debounce.stop()
	}
	w.mu.Unlock()

	if err := w.fs.Close(); err != nil {
		w.logger.Error("trigger: watcher close", "error", err)
	}
}

// resolveGitDir returns path/.git for working trees and path otherwise.
func resolveGitDir(path string) string {
	gitDir := filepath.Join(path, ".git")
	if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
		return gitDir
	}

	return path
}

func isRefPath(rel string) bool {
	rel = filepath.ToSlash(rel)

	return rel == "packed-refs" || rel == "HEAD" || rel == "refs" || strings.HasPrefix(rel, "refs/")
}
