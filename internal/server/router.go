package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tanglenomicon/tangle-jobs/internal/api"
	"github.com/tanglenomicon/tangle-jobs/internal/auth"
	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

// RouterDeps are the collaborators the HTTP surface is built from.
type RouterDeps struct {
	Jobs       api.JobService
	Candidates core.CandidateStore
	Results    core.ResultStore
	Events     core.EventSubscriber
	Verifier   auth.Verifier
	// Limiter throttles leases per identity. Nil disables it.
	Limiter *api.RateLimiter
	Backend string
	Pinger  core.Pinger
}

// NewRouter assembles the chi router.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(api.Headers)
	r.Use(api.RequestLogger)
	r.Use(api.LimitBody)
	r.Use(api.ValidateContentType)

	jobH := api.NewJobHandler(deps.Jobs)
	candH := api.NewCandidateHandler(deps.Candidates)
	resultH := api.NewResultHandler(deps.Results)
	systemH := api.NewSystemHandler(deps.Backend, deps.Pinger, deps.Jobs.Statistics)

	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/v1/health", systemH.Health)

	r.Get("/v1/jobs/stats", jobH.AllStats)
	r.Get("/v1/jobs/{kind}/stats", jobH.Stats)

	r.Group(func(r chi.Router) {
		r.Use(api.Authenticate(deps.Verifier))
		if deps.Limiter != nil {
			r.With(deps.Limiter.Middleware).Post("/v1/jobs/{kind}/lease", jobH.Lease)
		} else {
			r.Post("/v1/jobs/{kind}/lease", jobH.Lease)
		}
		r.Post("/v1/jobs/{kind}/report", jobH.Report)
	})

	r.Get("/v1/candidates", candH.List)
	r.Get("/v1/candidates/*", candH.Get)

	r.Get("/v1/results", resultH.List)
	r.Get("/v1/results/*", resultH.Get)

	if deps.Events != nil {
		eventsH := api.NewEventsHandler(deps.Events)
		r.Get("/v1/events", eventsH.Stream)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		api.WriteError(w, http.StatusNotFound, &core.APIError{Code: core.ErrCodeNotFound, Message: "Route not found."})
	})
	return r
}
