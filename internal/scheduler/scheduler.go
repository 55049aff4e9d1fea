// Package scheduler runs the periodic reclamation sweeps over the job queue.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper is the part of the dispatch service the sweeps drive.
type Sweeper interface {
	ReclaimStale(maxAge time.Duration) int
	FlushComplete(ctx context.Context) (int, error)
}

// Config sets how often each sweep runs. StaleInterval is also the age at
// which an unfinished job is taken back.
type Config struct {
	StaleInterval    time.Duration
	CompleteInterval time.Duration
}

// Scheduler owns the stale and complete sweeps. A sweep that is still
// running when its next tick fires is skipped.
type Scheduler struct {
	sweeper Sweeper
	cfg     Config
	cron    *cron.Cron

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New creates a scheduler. Call Start to begin sweeping.
func New(sweeper Sweeper, cfg Config) *Scheduler {
	logger := cronLogger{slog.Default().With("component", "scheduler")}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		sweeper: sweeper,
		cfg:     cfg,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start schedules both sweeps.
func (s *Scheduler) Start() {
	s.cron.Schedule(cron.Every(s.cfg.StaleInterval), cron.FuncJob(s.SweepStale))
	s.cron.Schedule(cron.Every(s.cfg.CompleteInterval), cron.FuncJob(func() {
		s.SweepComplete(s.ctx)
	}))
	s.cron.Start()
	slog.Info("scheduler started",
		"stale_interval", s.cfg.StaleInterval.String(),
		"complete_interval", s.cfg.CompleteInterval.String(),
	)
}

// Stop cancels running sweeps and waits for them to return. It is safe to
// call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		if s.cron != nil {
			<-s.cron.Stop().Done()
		}
	})
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
