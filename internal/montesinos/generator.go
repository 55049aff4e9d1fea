package montesinos

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
	"github.com/tanglenomicon/tangle-jobs/internal/metrics"
	"github.com/tanglenomicon/tangle-jobs/internal/telemetry"
)

// Enqueuer accepts freshly built jobs.
type Enqueuer interface {
	Enqueue(job *core.Job) bool
}

var errIneligible = errors.New("stencil no longer eligible")

// Generator implements core.KindHandler for Montesinos jobs.
type Generator struct {
	stencils core.StencilStore
	results  core.ResultStore
	builder  *Builder
	queue    Enqueuer
	pageExp  int
	newID    func() string

	// mu serialises stencil selection so concurrent replenishes in this
	// process never pick and advance the same head twice.
	mu sync.Mutex
}

func NewGenerator(stencils core.StencilStore, candidates core.CandidateStore, results core.ResultStore, queue Enqueuer, pageExp int) *Generator {
	return &Generator{
		stencils: stencils,
		results:  results,
		builder:  NewBuilder(candidates, pageExp),
		queue:    queue,
		pageExp:  pageExp,
		newID:    core.NewUUIDv7,
	}
}

func (g *Generator) Kind() core.Kind { return core.KindMontesinos }

func (g *Generator) DecodeResults(data []byte) (core.Results, error) {
	r, err := DecodeResults(data)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Replenish builds up to count jobs, draining stencils in order of total
// weight then id. Each step is persisted before its job is enqueued. It
// stops quietly when no stencil is eligible.
func (g *Generator) Replenish(ctx context.Context, count int) (int, error) {
	if count <= 0 {
		return 0, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	start := time.Now()
	defer func() {
		metrics.ReplenishDuration.WithLabelValues(string(core.KindMontesinos)).Observe(time.Since(start).Seconds())
	}()

	enqueued := 0
	current := ""
	for enqueued < count {
		if current == "" {
			st, ok, err := g.selectStencil(ctx)
			if err != nil {
				return enqueued, err
			}
			if !ok {
				slog.Debug("no eligible stencil", "wanted", count-enqueued)
				break
			}
			current = st.ID
		}

		job, st, err := g.step(ctx, current)
		if errors.Is(err, errIneligible) {
			current = ""
			continue
		}
		if err != nil {
			return enqueued, fmt.Errorf("replenish from stencil %s: %w", current, err)
		}
		if g.queue.Enqueue(job) {
			enqueued++
		} else {
			slog.Warn("built job already queued", "job_id", job.ID, "stencil_id", st.ID)
		}
		if !st.Eligible() {
			slog.Info("stencil exhausted", "stencil_id", st.ID, "open_jobs", len(st.OpenJobs))
			current = ""
		}
	}
	return enqueued, nil
}

func (g *Generator) selectStencil(ctx context.Context) (core.Stencil, bool, error) {
	candidates, err := g.stencils.ListByState(ctx, core.StencilNew, core.StencilStarted)
	if err != nil {
		return core.Stencil{}, false, fmt.Errorf("list eligible stencils: %w", err)
	}
	if len(candidates) == 0 {
		return core.Stencil{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		wi, wj := candidates[i].Weight(), candidates[j].Weight()
		if wi != wj {
			return wi < wj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true, nil
}

// step builds one job from the stencil's head, records it as open and
// advances the head, all in one revision-checked write.
func (g *Generator) step(ctx context.Context, stencilID string) (*core.Job, core.Stencil, error) {
	ctx, span := telemetry.StartStencilSpan(ctx, "advance", stencilID)
	defer span.End()

	jobID := g.newID()
	var job *core.Job
	st, err := core.UpdateStencil(ctx, g.stencils, stencilID, func(s *core.Stencil) error {
		if !s.Eligible() {
			return errIneligible
		}
		built, err := g.builder.Build(ctx, *s, s.Head, jobID)
		if err != nil {
			return err
		}
		s.State = core.StencilStarted
		s.AddOpenJob(jobID, s.Head)
		s.Advance(g.pageExp)
		job = built
		return nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, core.Stencil{}, err
	}
	return job, st, nil
}

// Recover rebuilds every open job of started and exhausted stencils from
// its recorded cursor so work handed out before a restart can still be
// reported.
func (g *Generator) Recover(ctx context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	stencils, err := g.stencils.ListByState(ctx, core.StencilStarted, core.StencilNoHeadroom)
	if err != nil {
		return 0, fmt.Errorf("list started stencils: %w", err)
	}

	var firstErr error
	recovered := 0
	for _, st := range stencils {
		for _, oj := range st.OpenJobs {
			job, err := g.builder.Build(ctx, st, oj.Cursor, oj.JobID)
			if err != nil {
				slog.Error("rebuilding open job", "job_id", oj.JobID, "stencil_id", st.ID, "error", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if g.queue.Enqueue(job) {
				recovered++
			}
		}
	}
	return recovered, firstErr
}

// Persist stores the job's tangles and releases it from its stencil. A
// stencil that has since been deleted is logged and skipped.
func (g *Generator) Persist(ctx context.Context, job core.Job) (err error) {
	ctx, span := telemetry.StartJobSpan(ctx, "persist", job.ID, string(job.Kind))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	payload, ok := job.Payload.(*Payload)
	if !ok {
		return fmt.Errorf("job %s: unexpected payload %T", job.ID, job.Payload)
	}
	results, ok := job.Results.(*Results)
	if !ok {
		return fmt.Errorf("job %s: unexpected results %T", job.ID, job.Results)
	}

	if recs := records(payload, results); len(recs) > 0 {
		if err := g.results.Upsert(ctx, recs); err != nil {
			return fmt.Errorf("store tangles of job %s: %w", job.ID, err)
		}
	}

	_, err = core.UpdateStencil(ctx, g.stencils, payload.StencilID, func(s *core.Stencil) error {
		if !s.ResolveOpenJob(job.ID) {
			slog.Warn("job not open on stencil", "job_id", job.ID, "stencil_id", s.ID)
		}
		return nil
	})
	if errors.Is(err, core.ErrStencilNotFound) {
		slog.Warn("parent stencil missing", "job_id", job.ID, "stencil_id", payload.StencilID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("release job %s from stencil %s: %w", job.ID, payload.StencilID, err)
	}
	return nil
}
