package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/tanglenomicon/tangle-jobs/internal/metrics"
)

// SweepStale returns every unfinished job older than the stale interval to
// new.
func (s *Scheduler) SweepStale() {
	start := time.Now()
	n := s.sweeper.ReclaimStale(s.cfg.StaleInterval)
	metrics.SweepDuration.WithLabelValues("stale").Observe(time.Since(start).Seconds())
	if n > 0 {
		slog.Info("reclaimed stale jobs", "count", n)
	}
}

// SweepComplete stores complete jobs. Failures are logged and the jobs are
// retried on the next sweep.
func (s *Scheduler) SweepComplete(ctx context.Context) {
	start := time.Now()
	n, err := s.sweeper.FlushComplete(ctx)
	metrics.SweepDuration.WithLabelValues("complete").Observe(time.Since(start).Seconds())
	if err != nil {
		slog.Error("storing complete jobs", "stored", n, "error", err)
		return
	}
	if n > 0 {
		slog.Info("stored complete jobs", "count", n)
	}
}
