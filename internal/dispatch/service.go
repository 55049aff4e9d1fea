// Package dispatch connects the job queue to the kind handlers that fill and
// drain it.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
	"github.com/tanglenomicon/tangle-jobs/internal/jobqueue"
	"github.com/tanglenomicon/tangle-jobs/internal/metrics"
	"github.com/tanglenomicon/tangle-jobs/internal/telemetry"
)

// Service is the job lifecycle API used by the HTTP handlers and the
// reclamation scheduler.
type Service struct {
	queue    *jobqueue.Queue
	handlers map[core.Kind]core.KindHandler
	minNew   int
	events   core.EventPublisher
	refill   singleflight.Group
}

// New returns a service over queue. When fewer than minNew jobs of a kind
// are waiting, a lease first asks the kind's handler for more. events may
// be nil.
func New(queue *jobqueue.Queue, minNew int, events core.EventPublisher) *Service {
	if events == nil {
		events = discardEvents{}
	}
	return &Service{
		queue:    queue,
		handlers: make(map[core.Kind]core.KindHandler),
		minNew:   minNew,
		events:   events,
	}
}

// Register adds a kind handler. Registering the same kind twice replaces it.
func (s *Service) Register(h core.KindHandler) {
	s.handlers[h.Kind()] = h
}

// Kinds lists registered kinds in name order.
func (s *Service) Kinds() []core.Kind {
	kinds := make([]core.Kind, 0, len(s.handlers))
	for k := range s.handlers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (s *Service) handler(kind core.Kind) (core.KindHandler, error) {
	h, ok := s.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownKind, kind)
	}
	return h, nil
}

// Enqueue adds a built job to the queue.
func (s *Service) Enqueue(job *core.Job) bool {
	if !s.queue.Enqueue(job) {
		return false
	}
	metrics.JobsEnqueued.WithLabelValues(string(job.Kind)).Inc()
	s.publish(core.EventJobEnqueued, job.ID, job.Kind, "")
	return true
}

// Start re-enqueues jobs that were open before a restart and tops every
// kind up to the minimum number of new jobs. Failures are logged; the next
// lease retries the top-up.
func (s *Service) Start(ctx context.Context) {
	for _, kind := range s.Kinds() {
		h := s.handlers[kind]
		n, err := h.Recover(ctx)
		if err != nil {
			slog.Error("recovering open jobs", "kind", kind, "error", err)
		}
		slog.Info("recovered open jobs", "kind", kind, "count", n)
		if err := s.topUp(ctx, h); err != nil {
			slog.Error("initial replenish", "kind", kind, "error", err)
		}
	}
}

// Lease hands the next new job of kind to identity, replenishing first when
// supply is low. ok is false when no job is available.
func (s *Service) Lease(ctx context.Context, kind core.Kind, identity string) (job core.Job, ok bool, err error) {
	h, err := s.handler(kind)
	if err != nil {
		return core.Job{}, false, err
	}
	if err := s.topUp(ctx, h); err != nil {
		// Leasing what is already queued is still useful.
		slog.Error("replenishing jobs", "kind", kind, "error", err)
	}

	_, span := telemetry.StartJobSpan(ctx, "lease", "", string(kind))
	defer span.End()
	job, ok = s.queue.Lease(kind, identity)
	if !ok {
		return core.Job{}, false, nil
	}
	telemetry.SetJobID(span, job.ID)
	metrics.JobsLeased.WithLabelValues(string(kind)).Inc()
	s.publish(core.EventJobLeased, job.ID, kind, identity)
	return job, true, nil
}

// topUp asks h for enough jobs to reach the minimum. Concurrent callers for
// the same kind share one replenish.
func (s *Service) topUp(ctx context.Context, h core.KindHandler) error {
	kind := h.Kind()
	if s.queue.Statistics(kind).New >= s.minNew {
		return nil
	}
	_, err, _ := s.refill.Do(string(kind), func() (any, error) {
		missing := s.minNew - s.queue.Statistics(kind).New
		if missing <= 0 {
			return 0, nil
		}
		return h.Replenish(context.WithoutCancel(ctx), missing)
	})
	return err
}

// Report attaches a worker's results to its job. accepted is false when
// the job is unknown, of another kind, not pending, or leased to someone
// else. err is set only when the report cannot be decoded.
func (s *Service) Report(ctx context.Context, kind core.Kind, identity string, body []byte) (jobID string, accepted bool, err error) {
	h, err := s.handler(kind)
	if err != nil {
		return "", false, err
	}
	results, err := h.DecodeResults(body)
	if err != nil {
		metrics.JobsReported.WithLabelValues(string(kind), "invalid").Inc()
		return "", false, err
	}
	jobID = results.JobID()

	_, span := telemetry.StartJobSpan(ctx, "report", jobID, string(kind))
	defer span.End()

	if j, ok := s.queue.Get(jobID); !ok || j.Kind != kind {
		metrics.JobsReported.WithLabelValues(string(kind), "rejected").Inc()
		return jobID, false, nil
	}
	if !s.queue.Complete(results, identity) {
		metrics.JobsReported.WithLabelValues(string(kind), "rejected").Inc()
		return jobID, false, nil
	}
	metrics.JobsReported.WithLabelValues(string(kind), "accepted").Inc()
	s.publish(core.EventJobCompleted, jobID, kind, identity)
	return jobID, true, nil
}

// Statistics reports queue counts for kind, or for all kinds when kind is
// empty.
func (s *Service) Statistics(kind core.Kind) (core.Stats, error) {
	if kind != "" {
		if _, err := s.handler(kind); err != nil {
			return core.Stats{}, err
		}
	}
	return s.queue.Statistics(kind), nil
}

// StatisticsByKind reports counts for every registered kind.
func (s *Service) StatisticsByKind() map[core.Kind]core.Stats {
	out := make(map[core.Kind]core.Stats, len(s.handlers))
	for kind := range s.handlers {
		out[kind] = s.queue.Statistics(kind)
	}
	return out
}

// ReclaimStale returns jobs older than maxAge to new and reports how many
// pending jobs were taken back from their workers.
func (s *Service) ReclaimStale(maxAge time.Duration) int {
	reclaimed := s.queue.ReclaimStale(maxAge)
	for _, j := range reclaimed {
		metrics.JobsReclaimed.WithLabelValues(string(j.Kind)).Inc()
		s.publish(core.EventJobReclaimed, j.ID, j.Kind, j.Owner)
	}
	return len(reclaimed)
}

// FlushComplete persists every complete job and removes it from the queue
// once stored. Jobs that fail to persist stay queued for the next flush.
func (s *Service) FlushComplete(ctx context.Context) (stored int, err error) {
	var firstErr error
	for _, job := range s.queue.Completed() {
		if ctx.Err() != nil {
			return stored, ctx.Err()
		}
		h, herr := s.handler(job.Kind)
		if herr != nil {
			slog.Error("complete job has no handler", "job_id", job.ID, "kind", job.Kind)
			if firstErr == nil {
				firstErr = herr
			}
			continue
		}
		if perr := h.Persist(ctx, job); perr != nil {
			metrics.JobsStored.WithLabelValues(string(job.Kind), "failed").Inc()
			slog.Error("storing complete job", "job_id", job.ID, "kind", job.Kind, "error", perr)
			if firstErr == nil {
				firstErr = perr
			}
			continue
		}
		s.queue.Remove(job.ID)
		stored++
		metrics.JobsStored.WithLabelValues(string(job.Kind), "stored").Inc()
		s.publish(core.EventJobStored, job.ID, job.Kind, "")
		slog.Debug("stored job", "job_id", job.ID)
	}
	return stored, firstErr
}

func (s *Service) publish(eventType, jobID string, kind core.Kind, identity string) {
	if err := s.events.PublishJobEvent(core.NewJobEvent(eventType, jobID, kind, identity)); err != nil {
		slog.Warn("publishing job event", "type", eventType, "job_id", jobID, "error", err)
	}
}

type discardEvents struct{}

func (discardEvents) PublishJobEvent(*core.JobEvent) error { return nil }
