// Package jobqueue holds the in-memory registry of jobs handed to workers.
package jobqueue

import (
	"sync"
	"time"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

// Queue is a registry of jobs keyed by id that remembers insertion order.
// Every operation runs under one mutex and never performs I/O while holding
// it.
type Queue struct {
	mu    sync.Mutex
	jobs  map[string]*core.Job
	order []string
	now   func() time.Time
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{
		jobs: make(map[string]*core.Job),
		now:  time.Now,
	}
}

// Enqueue adds job unless a job with the same id is already present.
func (q *Queue) Enqueue(job *core.Job) bool {
	if job == nil || job.ID == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[job.ID]; ok {
		return false
	}
	j := *job
	if j.CreatedAt.IsZero() {
		j.CreatedAt = q.now()
	}
	if j.State == "" {
		j.State = core.StateNew
	}
	q.jobs[j.ID] = &j
	q.order = append(q.order, j.ID)
	return true
}

// Lease hands the oldest new job of kind to identity and returns a copy of
// it.
func (q *Queue) Lease(kind core.Kind, identity string) (core.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		j := q.jobs[id]
		if j.Kind != kind || j.State != core.StateNew {
			continue
		}
		j.State = core.StatePending
		j.Owner = identity
		return *j, true
	}
	return core.Job{}, false
}

// Complete attaches results to the job they name. It succeeds only when the
// job is pending and owned by identity; otherwise nothing changes.
func (q *Queue) Complete(results core.Results, identity string) bool {
	if results == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[results.JobID()]
	if !ok || j.State != core.StatePending || j.Owner != identity {
		return false
	}
	j.State = core.StateComplete
	j.Owner = ""
	j.Results = results
	return true
}

// Statistics counts jobs of kind by state. An empty kind counts every job.
func (q *Queue) Statistics(kind core.Kind) core.Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s core.Stats
	for _, j := range q.jobs {
		if kind != "" && j.Kind != kind {
			continue
		}
		s.QueueLength++
		switch j.State {
		case core.StateNew:
			s.New++
		case core.StatePending:
			s.Pending++
		case core.StateComplete:
			s.Complete++
		}
	}
	return s
}

// ReclaimStale resets every job created at least maxAge ago that has not
// completed back to new and clears its owner. It returns the jobs that were
// pending.
func (q *Queue) ReclaimStale(maxAge time.Duration) []core.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var reclaimed []core.Job
	for _, id := range q.order {
		j := q.jobs[id]
		if j.State == core.StateComplete || now.Sub(j.CreatedAt) < maxAge {
			continue
		}
		if j.State == core.StatePending {
			reclaimed = append(reclaimed, *j)
		}
		j.State = core.StateNew
		j.Owner = ""
	}
	return reclaimed
}

// Completed returns copies of all complete jobs in insertion order.
func (q *Queue) Completed() []core.Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []core.Job
	for _, id := range q.order {
		if j := q.jobs[id]; j.State == core.StateComplete {
			out = append(out, *j)
		}
	}
	return out
}

// Remove deletes a job by id.
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[id]; !ok {
		return false
	}
	delete(q.jobs, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns a copy of the job with id.
func (q *Queue) Get(id string) (core.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return core.Job{}, false
	}
	return *j, true
}

// Len is the number of jobs held.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}
