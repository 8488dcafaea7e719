package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricSyncRunsTotal      = "forgemirror.sync.runs.total"
	metricSyncRunDuration    = "forgemirror.sync.run.duration.seconds"
	metricSyncInflight       = "forgemirror.sync.inflight"
	metricSyncCommitsTotal   = "forgemirror.sync.commits.total"
	metricSyncObjectsCreated = "forgemirror.sync.objects.created.total"
	metricHandleCacheHits    = "forgemirror.cache.handles.hits.total"
	metricHandleCacheMisses  = "forgemirror.cache.handles.misses.total"

	attrOutcome = "outcome"
	attrType    = "type"
)

// SyncStats summarises one sync run.
type SyncStats struct {
	// Outcome is "ready", "recovered" or "error".
	Outcome  string
	Duration time.Duration

	Indexed int
	Skipped int
	Failed  int
	Blocked int

	TreesCreated int
	BlobsCreated int
}

// SyncMetrics holds instruments for repository sync runs.
type SyncMetrics struct {
	runsTotal      metric.Int64Counter
	runDuration    metric.Float64Histogram
	inflight       metric.Int64UpDownCounter
	commitsTotal   metric.Int64Counter
	objectsCreated metric.Int64Counter
	cacheHits      metric.Int64Counter
	cacheMisses    metric.Int64Counter
}

// NewSyncMetrics creates sync instruments from the given meter.
func NewSyncMetrics(mt metric.Meter) (*SyncMetrics, error) {
	var (
		sm  SyncMetrics
		err error
	)

	if sm.runsTotal, err = mt.Int64Counter(metricSyncRunsTotal,
		metric.WithDescription("Sync runs by outcome"), metric.WithUnit("{run}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", metricSyncRunsTotal, err)
	}

	if sm.runDuration, err = mt.Float64Histogram(metricSyncRunDuration,
		metric.WithDescription("Sync run duration in seconds"), metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBucketBoundaries...)); err != nil {
		return nil, fmt.Errorf("create %s: %w", metricSyncRunDuration, err)
	}

	if sm.inflight, err = mt.Int64UpDownCounter(metricSyncInflight,
		metric.WithDescription("Sync runs in progress"), metric.WithUnit("{run}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", metricSyncInflight, err)
	}

	if sm.commitsTotal, err = mt.Int64Counter(metricSyncCommitsTotal,
		metric.WithDescription("Commits handled by outcome"), metric.WithUnit("{commit}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", metricSyncCommitsTotal, err)
	}

	if sm.objectsCreated, err = mt.Int64Counter(metricSyncObjectsCreated,
		metric.WithDescription("Tree and blob records created"), metric.WithUnit("{object}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", metricSyncObjectsCreated, err)
	}

	if sm.cacheHits, err = mt.Int64Counter(metricHandleCacheHits,
		metric.WithDescription("Backend handle cache hits"), metric.WithUnit("{hit}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", metricHandleCacheHits, err)
	}

	if sm.cacheMisses, err = mt.Int64Counter(metricHandleCacheMisses,
		metric.WithDescription("Backend handle cache misses"), metric.WithUnit("{miss}")); err != nil {
		return nil, fmt.Errorf("create %s: %w", metricHandleCacheMisses, err)
	}

	return &sm, nil
}

// TrackRun increments the in-flight gauge and returns a function to
// decrement it. Safe on a nil receiver.
func (sm *SyncMetrics) TrackRun(ctx context.Context) func() {
	if sm == nil {
		return func() {}
	}

	sm.inflight.Add(ctx, 1)

	return func() { sm.inflight.Add(ctx, -1) }
}

// RecordRun records a finished sync run. Safe on a nil receiver.
func (sm *SyncMetrics) RecordRun(ctx context.Context, stats SyncStats) {
	if sm == nil {
		return
	}

	outcome := metric.WithAttributes(attribute.String(attrOutcome, stats.Outcome))
	sm.runsTotal.Add(ctx, 1, outcome)
	sm.runDuration.Record(ctx, stats.Duration.Seconds(), outcome)

	for name, n := range map[string]int{
		"indexed": stats.Indexed,
		"skipped": stats.Skipped,
		"failed":  stats.Failed,
		"blocked": stats.Blocked,
	} {
		if n > 0 {
			sm.commitsTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String(attrOutcome, name)))
		}
	}

	sm.objectsCreated.Add(ctx, int64(stats.TreesCreated), metric.WithAttributes(attribute.String(attrType, "tree")))
	sm.objectsCreated.Add(ctx, int64(stats.BlobsCreated), metric.WithAttributes(attribute.String(attrType, "blob")))
}

// RecordCacheLookup counts one handle cache lookup. Safe on a nil receiver.
func (sm *SyncMetrics) RecordCacheLookup(ctx context.Context, hit bool) {
	if sm == nil {
		return
	}

	if hit {
		sm.cacheHits.Add(ctx, 1)
	} else {
		sm.cacheMisses.Add(ctx, 1)
	}
}
