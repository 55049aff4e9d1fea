package nats

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

func TestStencilStoreRevisionFlow(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()

	st := core.NewStencil("it-stencil-"+core.NewUUIDv7(), []int{4, 5})
	inserted, err := backend.Stencils().Insert(ctx, st)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if inserted.Revision == 0 {
		t.Fatal("Insert() returned zero revision")
	}

	got, err := backend.Stencils().Get(ctx, st.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Revision != inserted.Revision || got.State != core.StencilNew {
		t.Fatalf("Get() = rev %d state %q, want rev %d state new", got.Revision, got.State, inserted.Revision)
	}

	got.State = core.StencilStarted
	got.AddOpenJob("job-1", got.Head)
	updated, err := backend.Stencils().Update(ctx, got)
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if updated.Revision <= got.Revision {
		t.Fatalf("Update() revision %d did not advance past %d", updated.Revision, got.Revision)
	}

	// got still carries the old revision
	if _, err := backend.Stencils().Update(ctx, got); !errors.Is(err, core.ErrRevisionConflict) {
		t.Fatalf("stale Update() error = %v, want ErrRevisionConflict", err)
	}

	started, err := backend.Stencils().ListByState(ctx, core.StencilStarted)
	if err != nil {
		t.Fatalf("ListByState() error = %v", err)
	}
	found := false
	for _, s := range started {
		if s.ID == st.ID {
			found = len(s.OpenJobs) == 1 && s.OpenJobs[0].JobID == "job-1"
		}
	}
	if !found {
		t.Fatalf("ListByState(started) missing %s with its open job", st.ID)
	}
}

func TestStencilStoreGetMissing(t *testing.T) {
	backend := newIntegrationBackend(t)

	_, err := backend.Stencils().Get(context.Background(), "missing-"+core.NewUUIDv7())
	if !errors.Is(err, core.ErrStencilNotFound) {
		t.Fatalf("Get() error = %v, want ErrStencilNotFound", err)
	}
}

func TestCandidateStorePageAndList(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()

	// A weight no other test uses keeps the index prefix private.
	weight := 1000 + int(time.Now().UnixNano()%100000)
	prefix := core.NewUUIDv7()
	cands := []core.Candidate{
		{ID: prefix + "/c", Weight: weight, InInterval: true},
		{ID: prefix + "/a", Weight: weight, InInterval: true},
		{ID: prefix + "/b", Weight: weight, InInterval: false},
		{ID: prefix + "/d", Weight: weight, InInterval: true},
	}
	if err := backend.Candidates().Insert(ctx, cands...); err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	page, total, err := backend.Candidates().Page(ctx, weight, 1, 5)
	if err != nil {
		t.Fatalf("Page() error = %v", err)
	}
	if total != 3 {
		t.Fatalf("Page() total = %d, want 3", total)
	}
	if len(page) != 2 || page[0].ID != prefix+"/c" || page[1].ID != prefix+"/d" {
		t.Fatalf("Page() = %+v, want [%s/c %s/d]", page, prefix, prefix)
	}

	// Moving a candidate out of the interval drops it from the index.
	if err := backend.Candidates().Insert(ctx, core.Candidate{ID: prefix + "/a", Weight: weight}); err != nil {
		t.Fatalf("re-Insert() error = %v", err)
	}
	if _, total, _ := backend.Candidates().Page(ctx, weight, 0, 5); total != 2 {
		t.Fatalf("Page() total after re-insert = %d, want 2", total)
	}

	got, err := backend.Candidates().Get(ctx, prefix+"/b")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.InInterval || got.Weight != weight {
		t.Fatalf("Get() = %+v", got)
	}

	list, err := backend.Candidates().List(ctx, &core.ListCursor{Weight: weight, ID: prefix + "/b"}, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) < 2 || list[0].ID != prefix+"/c" || list[1].ID != prefix+"/d" {
		t.Fatalf("List() after cursor = %+v", list)
	}
}

func TestResultStoreUpsert(t *testing.T) {
	backend := newIntegrationBackend(t)
	ctx := context.Background()

	id := "it-result-" + core.NewUUIDv7()
	records := []core.ResultRecord{{ID: id, Weight: 7, ParentStencil: "3 4"}}
	if err := backend.Results().Upsert(ctx, records); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	records[0].ParentStencil = "2 5"
	if err := backend.Results().Upsert(ctx, records); err != nil {
		t.Fatalf("second Upsert() error = %v", err)
	}

	got, err := backend.Results().Get(ctx, id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.ParentStencil != "2 5" || got.Weight != 7 {
		t.Fatalf("Get() = %+v", got)
	}

	if _, err := backend.Results().Get(ctx, id+"-missing"); !errors.Is(err, core.ErrResultNotFound) {
		t.Fatalf("Get(missing) error = %v, want ErrResultNotFound", err)
	}

	// Results from earlier runs share the bucket; start just before ours.
	list, err := backend.Results().List(ctx, &core.ListCursor{Weight: 7, ID: id[:len(id)-1]}, 1000)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	found := false
	for _, rec := range list {
		if rec.ID == id {
			found = true
		}
	}
	if !found {
		t.Fatalf("List() did not return %s", id)
	}
}

func TestPubSubBrokerDelivers(t *testing.T) {
	backend := newIntegrationBackend(t)

	broker := NewPubSubBroker(backend.Conn())
	defer broker.Close()

	all, unsubAll, err := broker.SubscribeAll()
	if err != nil {
		t.Fatalf("SubscribeAll() error = %v", err)
	}
	defer unsubAll()
	kinds, unsubKind, err := broker.SubscribeKind(core.KindMontesinos)
	if err != nil {
		t.Fatalf("SubscribeKind() error = %v", err)
	}
	defer unsubKind()
	if err := backend.Conn().Flush(); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}

	event := core.NewJobEvent(core.EventJobLeased, "job-"+core.NewUUIDv7(), core.KindMontesinos, "worker-1")
	if err := broker.PublishJobEvent(event); err != nil {
		t.Fatalf("PublishJobEvent() error = %v", err)
	}

	for name, ch := range map[string]<-chan *core.JobEvent{"all": all, "kind": kinds} {
		select {
		case got := <-ch:
			if got.JobID != event.JobID || got.Identity != "worker-1" {
				t.Fatalf("%s subscriber got %+v", name, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s subscriber timed out", name)
		}
	}
}

func TestBackendPing(t *testing.T) {
	backend := newIntegrationBackend(t)

	if err := backend.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}

func newIntegrationBackend(t *testing.T) *Backend {
	t.Helper()

	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	backend, err := New(natsURL)
	if err != nil {
		t.Skipf("skipping integration test; NATS unavailable at %s: %v", natsURL, err)
	}

	t.Cleanup(func() {
		_ = backend.Close()
	})

	return backend
}
