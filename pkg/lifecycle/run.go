package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/forgemirror/pkg/backend"
	"github.com/Sumatoshi-tech/forgemirror/pkg/checkpoint"
	"github.com/Sumatoshi-tech/forgemirror/pkg/graph"
	"github.com/Sumatoshi-tech/forgemirror/pkg/indexer"
	"github.com/Sumatoshi-tech/forgemirror/pkg/observability"
	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

const tracerName = "github.com/Sumatoshi-tech/forgemirror/pkg/lifecycle"

// Run outcomes reported to SyncMetrics.
const (
	outcomeReady     = "ready"
	outcomeRecovered = "recovered"
	outcomeError     = "error"
)

// run registers the sync as active so Delete and Close can cancel it.
func (m *Manager) run(name string) (*Result, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(m.baseCtx)
	active := &activeRun{cancel: cancel, done: make(chan struct{})}
	m.runs[name] = active
	m.mu.Unlock()

	defer func() {
		cancel()

		m.mu.Lock()
		delete(m.runs, name)
		m.mu.Unlock()

		close(active.done)
	}()

	return m.sync(ctx, name)
}

func (m *Manager) sync(ctx context.Context, name string) (*Result, error) {
	runID := uuid.NewString()
	began := time.Now()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "forgemirror.lifecycle.sync", trace.WithAttributes(
		attribute.String("repository.name", name),
		attribute.String("sync.run_id", runID),
	))
	defer span.End()

	defer m.opts.Metrics.TrackRun(ctx)()

	repo, err := m.Repository(ctx, name)
	if err != nil {
		return nil, err
	}

	if repo.Status == store.StatusError {
		return nil, fmt.Errorf("%w: %s: %s", ErrRepositoryFailed, name, repo.LastError)
	}

	logger := m.logger.With("repository", name, "run_id", runID)
	logger.InfoContext(ctx, "lifecycle: sync started", "status", repo.Status)

	start := repo.Status
	result := &Result{RunID: runID, Repository: name}

	runErr := m.execute(ctx, logger, repo, result)

	result, err = m.finish(ctx, logger, repo, start, result, began, runErr)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("sync.status", string(result.Status)),
		attribute.Int("sync.new_commits", result.NewCommits),
	)

	return result, err
}

// execute moves the repository to analyzing, captures its references and
// indexes everything they reach.
func (m *Manager) execute(ctx context.Context, logger *slog.Logger, repo *store.Repository, result *Result) error {
	if repo.Status == store.StatusInit || repo.Status == store.StatusInitializing {
		if repo.Status == store.StatusInit {
			if err := m.setStatus(ctx, repo, store.StatusInitializing, ""); err != nil {
				return err
			}
		}

		if err := m.materialize(ctx, repo); err != nil {
			return err
		}
	}

	if err := m.setStatus(ctx, repo, store.StatusAnalyzing, ""); err != nil {
		return err
	}

	port, release, err := m.acquire(ctx, repo)
	if err != nil {
		return err
	}
	defer release()

	refs, err := port.ListRefs(ctx)
	if err != nil {
		return fmt.Errorf("list refs: %w", err)
	}

	refs = m.opts.RefFilter.Apply(refs)
	cp := m.checkpoints(repo)

	var (
		order   []string
		startAt int
	)

	if state := m.resumable(ctx, logger, cp, repo, refs); state != nil {
		order, startAt = state.Order, state.Processed
		result.Resumed = true

		logger.InfoContext(ctx, "lifecycle: resuming from checkpoint",
			"processed", state.Processed, "total", state.Total, "last_commit", state.LastCommit)
	} else {
		walker := &graph.Walker{
			Known: func(ctx context.Context, oid string) (bool, error) {
				return m.store.CommitSynced(ctx, port.Kind(), oid, repo.ID)
			},
			Logger: logger,
		}

		walked, err := walker.Walk(ctx, port, tips(refs))
		if err != nil {
			return err
		}

		order = walked.Order

		logger.DebugContext(ctx, "lifecycle: history walked", "commits", len(order), "pruned", walked.Pruned)
	}

	result.capture = &capture{kind: port.Kind(), refs: refs}

	if cp != nil && !result.Resumed {
		if err := cp.SaveOrder(refs, order); err != nil {
			logger.WarnContext(ctx, "lifecycle: checkpoint not saved", "error", err)
		}
	}

	ix := indexer.New(m.store, indexer.Options{
		BatchSize: m.opts.BatchSize,
		Logger:    logger,
		OnBatch: func(ctx context.Context, p indexer.Progress) error {
			logger.DebugContext(ctx, "lifecycle: batch indexed",
				"processed", p.Processed, "total", p.Total, "indexed", p.Stats.Indexed)

			if cp == nil {
				return nil
			}

			if err := cp.SaveProgress(p.Processed, p.Last); err != nil {
				logger.WarnContext(ctx, "lifecycle: checkpoint not saved", "error", err)
			}

			return nil
		},
	})

	stats, err := ix.Run(ctx, indexer.Target{RepoID: repo.ID, Kind: port.Kind()}, port, order, startAt)
	if stats != nil {
		result.Stats = *stats
		result.NewCommits = stats.Indexed
	}

	return err
}

// materialize opens the backing repository, creating it by clone or init
// when it does not exist yet.
func (m *Manager) materialize(ctx context.Context, repo *store.Repository) error {
	driver, err := m.opts.Drivers.Driver(repo.Driver)
	if err != nil {
		return err
	}

	port, err := driver.Open(ctx, repo.Path)
	if err != nil {
		if repo.UpstreamURL != "" {
			port, err = driver.Clone(ctx, repo.UpstreamURL, repo.Path)
		} else {
			port, err = driver.Init(ctx, repo.Path)
		}
	}

	if err != nil {
		return fmt.Errorf("materialize %s: %w", repo.Path, err)
	}

	m.handles.Put(repo.ID, port)

	return nil
}

// resumable returns the checkpoint to resume from, or nil to start over.
func (m *Manager) resumable(
	ctx context.Context, logger *slog.Logger, cp *checkpoint.Manager, repo *store.Repository, refs []backend.Ref,
) *checkpoint.State {
	if cp == nil || !m.opts.Resume || !cp.Exists() {
		return nil
	}

	if err := cp.Validate(repo.ID); err != nil {
		logger.InfoContext(ctx, "lifecycle: discarding checkpoint", "reason", err)

		return nil
	}

	state, err := cp.Load()
	if err != nil {
		logger.WarnContext(ctx, "lifecycle: discarding unreadable checkpoint", "error", err)

		return nil
	}

	if !state.Matches(refs) {
		logger.InfoContext(ctx, "lifecycle: references moved since checkpoint")

		return nil
	}

	return state
}

// finish records the final status of a run and reports it.
func (m *Manager) finish(
	ctx context.Context, logger *slog.Logger, repo *store.Repository, start store.Status,
	result *Result, began time.Time, runErr error,
) (*Result, error) {
	result.Duration = time.Since(began)
	stats := result.Stats

	var (
		final     store.Status
		lastError string
		outcome   string
		err       = runErr
		fallback  = fallbackStatus(start, len(repo.Refs()) > 0)
	)

	switch {
	case runErr == nil && stats.Failed+stats.Blocked > 0:
		err = fmt.Errorf("%w: %d failed, %d blocked", ErrIncomplete, stats.Failed, stats.Blocked)
		final, lastError, outcome = fallback, incompleteMessage(err, stats), outcomeRecovered
	case runErr == nil:
		final, outcome = store.StatusReady, outcomeReady
	case errors.Is(runErr, graph.ErrStructuralCorruption):
		final, lastError, outcome = store.StatusError, runErr.Error(), outcomeError
	default:
		final, lastError, outcome = fallback, runErr.Error(), outcomeRecovered
	}

	refs, replace, refsErr := m.settledRefs(ctx, repo, final, outcome, result.capture)
	if refsErr != nil {
		err = errors.Join(err, refsErr)
	}

	if statusErr := m.settle(ctx, repo, final, lastError, refs, replace); statusErr != nil {
		err = errors.Join(err, statusErr)
	}

	if outcome != outcomeRecovered || errors.Is(err, ErrIncomplete) {
		if cpErr := m.clearCheckpoint(repo); cpErr != nil {
			logger.WarnContext(ctx, "lifecycle: checkpoint not cleared", "error", cpErr)
		}
	}

	result.Status = repo.Status

	m.opts.Metrics.RecordRun(ctx, observability.SyncStats{
		Outcome:      outcome,
		Duration:     result.Duration,
		Indexed:      stats.Indexed,
		Skipped:      stats.Skipped,
		Failed:       stats.Failed,
		Blocked:      stats.Blocked,
		TreesCreated: stats.TreesCreated,
		BlobsCreated: stats.BlobsCreated,
	})

	attrs := []any{
		"status", result.Status,
		"new_commits", result.NewCommits,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
		"blocked", stats.Blocked,
		"resumed", result.Resumed,
		"duration", result.Duration,
	}

	if err != nil {
		logger.WarnContext(ctx, "lifecycle: sync failed", append(attrs, "error", err)...)

		return result, err
	}

	logger.InfoContext(ctx, "lifecycle: sync finished", attrs...)

	return result, nil
}

// setStatus validates and persists a transition. Status writes survive
// cancellation of the run.
func (m *Manager) setStatus(ctx context.Context, repo *store.Repository, to store.Status, lastError string) error {
	if err := checkTransition(repo.Status, to); err != nil {
		return err
	}

	if err := m.store.SetStatus(context.WithoutCancel(ctx), repo.ID, to, lastError); err != nil {
		return err
	}

	repo.Status = to
	repo.LastError = lastError

	return nil
}

// settledRefs picks the references a run leaves behind. A ready run
// publishes everything it captured. A run that falls back to ready publishes
// a captured reference only when its tip is synced and otherwise keeps the
// previous value of that reference. Every other outcome keeps the stored
// references untouched.
func (m *Manager) settledRefs(
	ctx context.Context, repo *store.Repository, final store.Status, outcome string, c *capture,
) ([]backend.Ref, bool, error) {
	if c == nil || final != store.StatusReady {
		return nil, false, nil
	}

	if outcome == outcomeReady {
		return c.refs, true, nil
	}

	ctx = context.WithoutCancel(ctx)

	previous := make(map[string]backend.Ref)
	for _, ref := range repo.Refs() {
		previous[ref.Name] = ref
	}

	out := make([]backend.Ref, 0, len(c.refs))

	for _, ref := range c.refs {
		synced, err := m.store.CommitSynced(ctx, c.kind, ref.OID, repo.ID)
		if err != nil {
			return nil, false, err
		}

		if synced {
			out = append(out, ref)
		} else if prev, ok := previous[ref.Name]; ok {
			out = append(out, prev)
		}
	}

	return out, true, nil
}

// settle records the final status of a run and, when replace is set, the
// references it publishes, in one transaction. The repository may already be
// in the target status, in which case only the error message changes.
func (m *Manager) settle(
	ctx context.Context, repo *store.Repository, to store.Status, lastError string, refs []backend.Ref, replace bool,
) error {
	if repo.Status != to {
		if err := checkTransition(repo.Status, to); err != nil {
			return err
		}
	}

	ctx = context.WithoutCancel(ctx)

	err := m.store.WithTx(ctx, func(tx *store.Tx) error {
		if replace {
			if err := tx.ReplaceRefs(ctx, repo.ID, refs); err != nil {
				return err
			}
		}

		return tx.SetStatus(ctx, repo.ID, to, lastError)
	})
	if err != nil {
		return err
	}

	repo.Status = to
	repo.LastError = lastError

	if replace {
		repo.Heads, repo.Branches, repo.Tags = backend.Heads(refs), backend.Branches(refs), backend.Tags(refs)
	}

	return nil
}

func incompleteMessage(err error, stats indexer.Stats) string {
	if len(stats.Failures) == 0 {
		return err.Error()
	}

	first := stats.Failures[0]

	return fmt.Sprintf("%v (first: %s: %v)", err, first.OID, first.Err)
}

// tips returns the distinct commit ids the references point at.
func tips(refs []backend.Ref) []string {
	seen := make(map[string]bool, len(refs))
	out := make([]string, 0, len(refs))

	for _, ref := range refs {
		if !seen[ref.OID] {
			seen[ref.OID] = true
			out = append(out, ref.OID)
		}
	}

	return out
}
