// Package indexer persists commits, in topological order, together with the
// deduplicated trees and blobs they reference.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/forgemirror/pkg/backend"
	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

const tracerName = "github.com/Sumatoshi-tech/forgemirror/pkg/indexer"

// DefaultBatchSize is the number of commits between progress callbacks.
const DefaultBatchSize = 100

// Outcome is what happened to one commit.
type Outcome string

// Commit outcomes.
const (
	// OutcomeIndexed means the commit was persisted by this run.
	OutcomeIndexed Outcome = "indexed"
	// OutcomeSkipped means the commit was already persisted.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the backend could not produce the commit or its trees.
	OutcomeFailed Outcome = "failed"
	// OutcomeBlocked means an ancestor failed or is not persisted yet.
	OutcomeBlocked Outcome = "blocked"
)

// Target identifies the repository being indexed.
type Target struct {
	RepoID string
	Kind   string
}

// Progress is reported after every batch.
type Progress struct {
	// Processed is the position in the order after the last handled commit.
	Processed int
	Total     int
	Last      string
	Stats     Stats
}

// Failure records a commit that could not be indexed.
type Failure struct {
	OID string
	Err error
}

// Stats summarises a run.
type Stats struct {
	Indexed      int
	Skipped      int
	Failed       int
	Blocked      int
	TreesCreated int
	BlobsCreated int
	Links        int
	Failures     []Failure
}

// Options configures an Indexer.
type Options struct {
	BatchSize int
	Logger    *slog.Logger
	// OnBatch runs after every BatchSize commits; an error aborts the run.
	OnBatch func(ctx context.Context, p Progress) error
}

// Indexer writes commits into a store.
type Indexer struct {
	store  *store.Store
	opts   Options
	logger *slog.Logger
}

// New creates an Indexer.
func New(st *store.Store, opts Options) *Indexer {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Indexer{store: st, opts: opts, logger: logger}
}

// Run indexes order[start:]. Parents must precede children in order.
//
// Commits that the backend cannot produce are recorded as failures and their
// descendants in this run are blocked; the run goes on. Context cancellation,
// an unavailable backend and store errors stop the run and are returned
// together with the statistics gathered so far.
func (ix *Indexer) Run(ctx context.Context, target Target, port backend.Port, order []string, start int) (*Stats, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "forgemirror.indexer.run", trace.WithAttributes(
		attribute.String("repository.id", target.RepoID),
		attribute.Int("indexer.commits", len(order)-start),
	))
	defer span.End()

	stats := &Stats{}
	unusable := make(map[string]bool)

	for i := start; i < len(order); i++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		oid := order[i]

		outcome, err := ix.indexCommit(ctx, target, port, oid, unusable, stats)
		if err != nil {
			span.RecordError(err)

			return stats, fmt.Errorf("index commit %s: %w", oid, err)
		}

		switch outcome {
		case OutcomeIndexed:
			stats.Indexed++
		case OutcomeSkipped:
			stats.Skipped++
		case OutcomeFailed:
			stats.Failed++
			unusable[oid] = true
		case OutcomeBlocked:
			stats.Blocked++
			unusable[oid] = true
		}

		if processed := i + 1; ix.opts.OnBatch != nil && (processed-start)%ix.opts.BatchSize == 0 {
			progress := Progress{Processed: processed, Total: len(order), Last: oid, Stats: *stats}
			if err := ix.opts.OnBatch(ctx, progress); err != nil {
				return stats, fmt.Errorf("batch callback: %w", err)
			}
		}
	}

	span.SetAttributes(
		attribute.Int("indexer.indexed", stats.Indexed),
		attribute.Int("indexer.skipped", stats.Skipped),
		attribute.Int("indexer.failed", stats.Failed),
		attribute.Int("indexer.blocked", stats.Blocked),
	)

	return stats, nil
}

func (ix *Indexer) indexCommit(
	ctx context.Context, target Target, port backend.Port, oid string, unusable map[string]bool, stats *Stats,
) (Outcome, error) {
	indexed, err := ix.store.CommitIndexed(ctx, target.Kind, oid)
	if err != nil {
		return "", err
	}

	if indexed {
		return OutcomeSkipped, ix.store.AddCommitRepository(ctx, target.Kind, oid, target.RepoID)
	}

	info, err := port.GetCommit(ctx, oid)
	if err != nil {
		return ix.commitFailure(ctx, stats, oid, err)
	}

	for _, parent := range info.Parents {
		if unusable[parent] {
			ix.logger.DebugContext(ctx, "indexer: commit blocked by ancestor", "commit", oid, "parent", parent)

			return OutcomeBlocked, nil
		}

		ok, err := ix.store.CommitIndexed(ctx, target.Kind, parent)
		if err != nil {
			return "", err
		}

		if !ok {
			ix.logger.DebugContext(ctx, "indexer: parent not indexed", "commit", oid, "parent", parent)

			return OutcomeBlocked, nil
		}
	}

	fetched, err := fetchClosure(ctx, ix.store, port, target.Kind, info.TreeID)
	if err != nil {
		return ix.commitFailure(ctx, stats, oid, err)
	}

	var written closureStats

	err = ix.store.WithTx(ctx, func(tx *store.Tx) error {
		if _, err := tx.InsertCommit(ctx, target.Kind, info); err != nil {
			return err
		}

		if err := tx.AddCommitRepository(ctx, target.Kind, oid, target.RepoID); err != nil {
			return err
		}

		written, err = persistClosure(ctx, tx, target.Kind, oid, info.TreeID, fetched)
		if err != nil {
			return err
		}

		if err := tx.MarkCommitIndexed(ctx, target.Kind, oid); err != nil {
			return err
		}

		written.links, err = tx.LinkCommit(ctx, target.Kind, oid)

		return err
	})
	if err != nil {
		return "", err
	}

	stats.TreesCreated += written.trees
	stats.BlobsCreated += written.blobs
	stats.Links += int(written.links)

	return OutcomeIndexed, nil
}

// commitFailure isolates object-level backend errors to the commit and
// escalates everything else.
func (ix *Indexer) commitFailure(ctx context.Context, stats *Stats, oid string, err error) (Outcome, error) {
	if !errors.Is(err, backend.ErrObjectNotFound) && !errors.Is(err, backend.ErrCorruptObject) {
		return "", err
	}

	ix.logger.WarnContext(ctx, "indexer: commit failed", "commit", oid, "error", err)
	stats.Failures = append(stats.Failures, Failure{OID: oid, Err: err})

	return OutcomeFailed, nil
}
