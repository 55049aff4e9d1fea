package server

import (
	"context"
	"net/http"

	"github.com/tanglenomicon/tangle-jobs/internal/api"
	"github.com/tanglenomicon/tangle-jobs/internal/dispatch"
	"github.com/tanglenomicon/tangle-jobs/internal/jobqueue"
	"github.com/tanglenomicon/tangle-jobs/internal/montesinos"
	"github.com/tanglenomicon/tangle-jobs/internal/scheduler"
)

// App is the assembled job server minus its listeners.
type App struct {
	Service   *dispatch.Service
	Scheduler *scheduler.Scheduler
	Router    http.Handler
}

// NewApp wires the queue, the Montesinos generator, the sweeps and the
// HTTP router over stores, then recovers open jobs and tops the queue up.
// The scheduler is returned stopped.
func NewApp(ctx context.Context, cfg *Config, stores *Stores) (*App, error) {
	verifier, err := NewVerifier(cfg.Auth)
	if err != nil {
		return nil, err
	}

	svc := dispatch.New(jobqueue.New(), cfg.JobQueue.MinNewCount, stores.Broker)
	svc.Register(montesinos.NewGenerator(
		stores.Stencils,
		stores.Candidates,
		stores.Results,
		svc,
		cfg.Montesinos.PageExponent,
	))
	svc.Start(ctx)

	sched := scheduler.New(svc, scheduler.Config{
		StaleInterval:    cfg.JobQueue.Stale(),
		CompleteInterval: cfg.JobQueue.Complete(),
	})

	var limiter *api.RateLimiter
	if cfg.RateLimit.LeasePerSecond > 0 {
		limiter = api.NewRateLimiter(cfg.RateLimit.LeasePerSecond, cfg.RateLimit.Burst)
	}

	router := NewRouter(RouterDeps{
		Jobs:       svc,
		Candidates: stores.Candidates,
		Results:    stores.Results,
		Events:     stores.Broker,
		Verifier:   verifier,
		Limiter:    limiter,
		Backend:    stores.Backend,
		Pinger:     stores.Pinger,
	})

	return &App{Service: svc, Scheduler: sched, Router: router}, nil
}
