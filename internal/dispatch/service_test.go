package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
	"github.com/tanglenomicon/tangle-jobs/internal/jobqueue"
)

const fakeKind core.Kind = "fake"

type fakeResults struct {
	ID string `json:"job_id"`
}

func (r *fakeResults) JobID() string { return r.ID }

// fakeHandler builds numbered jobs on demand.
type fakeHandler struct {
	svc        *Service
	next       atomic.Int64
	replenishs atomic.Int64
	exhausted  bool
	persistErr error
	refillErr  error
	persisted  []string
	mu         sync.Mutex
	gate       chan struct{}
}

func (h *fakeHandler) Kind() core.Kind { return fakeKind }

func (h *fakeHandler) DecodeResults(data []byte) (core.Results, error) {
	var r fakeResults
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	if r.ID == "" {
		return nil, errors.New("job_id required")
	}
	return &r, nil
}

func (h *fakeHandler) Persist(ctx context.Context, job core.Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.persistErr != nil {
		return h.persistErr
	}
	h.persisted = append(h.persisted, job.ID)
	return nil
}

func (h *fakeHandler) Replenish(ctx context.Context, count int) (int, error) {
	h.replenishs.Add(1)
	if h.refillErr != nil {
		return 0, h.refillErr
	}
	if h.gate != nil {
		<-h.gate
	}
	if h.exhausted {
		return 0, nil
	}
	for n := 0; n < count; n++ {
		id := fmt.Sprintf("job-%d", h.next.Add(1))
		h.svc.Enqueue(&core.Job{ID: id, Kind: fakeKind})
	}
	return count, nil
}

func (h *fakeHandler) Recover(ctx context.Context) (int, error) { return 0, nil }

type recordingEvents struct {
	mu     sync.Mutex
	events []*core.JobEvent
}

func (r *recordingEvents) PublishJobEvent(e *core.JobEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingEvents) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newService(minNew int) (*Service, *fakeHandler, *recordingEvents) {
	events := &recordingEvents{}
	svc := New(jobqueue.New(), minNew, events)
	h := &fakeHandler{svc: svc}
	svc.Register(h)
	return svc, h, events
}

func TestLease_ReplenishesBelowMinimum(t *testing.T) {
	svc, h, _ := newService(3)

	job, ok, err := svc.Lease(context.Background(), fakeKind, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, "alice", job.Owner)
	assert.Equal(t, int64(1), h.replenishs.Load())

	stats, err := svc.Statistics(fakeKind)
	require.NoError(t, err)
	assert.Equal(t, core.Stats{QueueLength: 3, New: 2, Pending: 1}, stats)
}

func TestLease_NothingAvailable(t *testing.T) {
	svc, h, _ := newService(2)
	h.exhausted = true

	_, ok, err := svc.Lease(context.Background(), fakeKind, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLease_UnknownKind(t *testing.T) {
	svc, _, _ := newService(1)
	_, _, err := svc.Lease(context.Background(), "nope", "alice")
	assert.ErrorIs(t, err, core.ErrUnknownKind)
}

func TestTopUp_ConcurrentCallersShareOneReplenish(t *testing.T) {
	svc, h, _ := newService(50)
	h.gate = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, svc.topUp(context.Background(), h))
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(h.gate)
	wg.Wait()

	assert.Equal(t, int64(1), h.replenishs.Load())
	stats, _ := svc.Statistics(fakeKind)
	assert.Equal(t, 50, stats.New)
}

func TestReport_Accepted(t *testing.T) {
	svc, _, events := newService(1)
	ctx := context.Background()
	job, ok, err := svc.Lease(ctx, fakeKind, "alice")
	require.NoError(t, err)
	require.True(t, ok)

	id, accepted, err := svc.Report(ctx, fakeKind, "alice", []byte(`{"job_id":"`+job.ID+`"}`))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, job.ID, id)

	assert.Equal(t, []string{core.EventJobEnqueued, core.EventJobLeased, core.EventJobCompleted}, events.types())
}

func TestReport_Rejected(t *testing.T) {
	svc, _, _ := newService(1)
	ctx := context.Background()
	job, _, err := svc.Lease(ctx, fakeKind, "alice")
	require.NoError(t, err)
	body := []byte(`{"job_id":"` + job.ID + `"}`)

	_, accepted, err := svc.Report(ctx, fakeKind, "bob", body)
	require.NoError(t, err)
	assert.False(t, accepted, "wrong owner")

	_, accepted, err = svc.Report(ctx, fakeKind, "alice", []byte(`{"job_id":"missing"}`))
	require.NoError(t, err)
	assert.False(t, accepted, "unknown job")

	svc.queue.Enqueue(&core.Job{ID: "other-kind", Kind: "other", State: core.StatePending, Owner: "alice"})
	_, accepted, err = svc.Report(ctx, fakeKind, "alice", []byte(`{"job_id":"other-kind"}`))
	require.NoError(t, err)
	assert.False(t, accepted, "job of another kind")
}

func TestReport_InvalidBody(t *testing.T) {
	svc, _, _ := newService(1)
	_, _, err := svc.Report(context.Background(), fakeKind, "alice", []byte(`{}`))
	assert.Error(t, err)
}

func TestReclaimStale(t *testing.T) {
	svc, _, events := newService(0)
	old := time.Now().Add(-time.Hour)
	svc.queue.Enqueue(&core.Job{ID: "p", Kind: fakeKind, State: core.StatePending, Owner: "alice", CreatedAt: old})
	svc.queue.Enqueue(&core.Job{ID: "n", Kind: fakeKind, State: core.StateNew, CreatedAt: old})

	assert.Equal(t, 1, svc.ReclaimStale(time.Minute))
	stats, _ := svc.Statistics(fakeKind)
	assert.Equal(t, 2, stats.New)
	assert.Contains(t, events.types(), core.EventJobReclaimed)
}

func TestFlushComplete(t *testing.T) {
	svc, h, _ := newService(0)
	for _, id := range []string{"c1", "c2"} {
		svc.queue.Enqueue(&core.Job{ID: id, Kind: fakeKind, State: core.StateComplete, Results: &fakeResults{ID: id}})
	}
	svc.queue.Enqueue(&core.Job{ID: "n1", Kind: fakeKind})

	stored, err := svc.FlushComplete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stored)
	assert.Equal(t, []string{"c1", "c2"}, h.persisted)
	assert.Equal(t, 1, svc.queue.Len())
}

func TestFlushComplete_MixedQueue(t *testing.T) {
	svc, h, _ := newService(0)
	add := func(prefix string, n int, state core.JobState) {
		for i := 0; i < n; i++ {
			id := fmt.Sprintf("%s%d", prefix, i)
			job := &core.Job{ID: id, Kind: fakeKind, State: state, CreatedAt: time.Now()}
			switch state {
			case core.StatePending:
				job.Owner = "alice"
			case core.StateComplete:
				job.Owner = "alice"
				job.Results = &fakeResults{ID: id}
			}
			require.True(t, svc.queue.Enqueue(job))
		}
	}
	add("p", 5, core.StatePending)
	add("n", 3, core.StateNew)
	add("c", 6, core.StateComplete)

	stored, err := svc.FlushComplete(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, stored)
	assert.Len(t, h.persisted, 6)

	stats, _ := svc.Statistics(fakeKind)
	assert.Equal(t, 8, stats.QueueLength)
	assert.Equal(t, 0, stats.Complete)
	assert.Equal(t, 5, stats.Pending)
	assert.Equal(t, 3, stats.New)
}

func TestFlushComplete_FailureKeepsJob(t *testing.T) {
	svc, h, _ := newService(0)
	h.persistErr = errors.New("store down")
	svc.queue.Enqueue(&core.Job{ID: "c1", Kind: fakeKind, State: core.StateComplete, Results: &fakeResults{ID: "c1"}})

	stored, err := svc.FlushComplete(context.Background())
	assert.Error(t, err)
	assert.Zero(t, stored)
	_, ok := svc.queue.Get("c1")
	assert.True(t, ok)
}

func TestStatistics_AllKinds(t *testing.T) {
	svc, _, _ := newService(0)
	svc.queue.Enqueue(&core.Job{ID: "a", Kind: fakeKind})
	svc.queue.Enqueue(&core.Job{ID: "b", Kind: "other"})

	all, err := svc.Statistics("")
	require.NoError(t, err)
	assert.Equal(t, 2, all.QueueLength)

	_, err = svc.Statistics("other")
	assert.ErrorIs(t, err, core.ErrUnknownKind)

	byKind := svc.StatisticsByKind()
	assert.Equal(t, 1, byKind[fakeKind].QueueLength)
}

func TestStart_TopsUp(t *testing.T) {
	svc, _, _ := newService(4)
	svc.Start(context.Background())
	stats, _ := svc.Statistics(fakeKind)
	assert.Equal(t, 4, stats.New)
}

func TestStart_ReplenishFailureDoesNotStopStartup(t *testing.T) {
	svc, h, _ := newService(2)
	h.refillErr = fmt.Errorf("stencil bad weight 1: %w", core.ErrEmptyCandidateSet)

	svc.Start(context.Background())
	assert.Equal(t, int64(1), h.replenishs.Load())

	// The next lease tries again.
	h.refillErr = nil
	_, ok, err := svc.Lease(context.Background(), fakeKind, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}
