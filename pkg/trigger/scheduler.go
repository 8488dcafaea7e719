package trigger

import (
	"context"
	"log/slog"
	"time"

	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

// Scheduler triggers every ready repository at a fixed interval.
type Scheduler struct {
	lister   Lister
	sink     Sink
	interval time.Duration
	logger   *slog.Logger
}

// NewScheduler creates a scheduler. A non-positive interval disables it.
func NewScheduler(lister Lister, sink Sink, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{lister: lister, sink: sink, interval: interval, logger: logger}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick triggers every ready repository once and returns how many syncs it
// started.
func (s *Scheduler) Tick(ctx context.Context) int {
	repos, err := s.lister.Repositories(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "trigger: cannot list repositories", "error", err)

		return 0
	}

	started := 0

	for _, repo := range repos {
		if repo.Status != store.StatusReady {
			continue
		}

		if err := s.sink.Trigger(ctx, repo.Name); err != nil {
			s.logger.WarnContext(ctx, "trigger: scheduled sync not started", "repository", repo.Name, "error", err)

			continue
		}

		started++
	}

	s.logger.DebugContext(ctx, "trigger: scheduled tick", "started", started)

	return started
}
