package mongo

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

func TestStateCodesRoundTrip(t *testing.T) {
	for _, st := range []core.StencilState{core.StencilNew, core.StencilStarted, core.StencilNoHeadroom, core.StencilComplete} {
		got, err := stateFromCode(stateCode(st))
		require.NoError(t, err)
		assert.Equal(t, st, got)
	}
	_, err := stateFromCode(7)
	assert.Error(t, err)
}

func TestStencilDocUsesStoredFieldNames(t *testing.T) {
	st := core.NewStencil("s1", []int{3, 5})
	st.State = core.StencilNoHeadroom
	st.AddOpenJob("job-1", []int{1, 0})

	raw, err := bson.Marshal(toStencilDoc(st, 4))
	require.NoError(t, err)

	var m bson.M
	require.NoError(t, bson.Unmarshal(raw, &m))
	assert.Equal(t, "s1", m["_id"])
	assert.Equal(t, "3 5", m["str_rep"])
	assert.EqualValues(t, 8, m["crossing_num"])
	assert.EqualValues(t, 2, m["state"])
	assert.EqualValues(t, 4, m["revision"])

	var doc stencilDoc
	require.NoError(t, bson.Unmarshal(raw, &doc))
	back, err := doc.stencil()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), back.Revision)
	assert.Equal(t, []core.OpenJob{{JobID: "job-1", Cursor: []int{1, 0}}}, back.OpenJobs)
}

func TestRevisionFilterMatchesLegacyDocuments(t *testing.T) {
	f := revisionFilter("s1", 0)
	in, ok := f["revision"].(bson.M)
	require.True(t, ok)
	assert.Equal(t, bson.A{int64(0), nil}, in["$in"])

	assert.Equal(t, int64(3), revisionFilter("s1", 3)["revision"])
}

func TestBackendStencilCAS(t *testing.T) {
	b := newIntegrationBackend(t)
	ctx := context.Background()

	st, err := b.Stencils().Insert(ctx, core.NewStencil(core.NewUUIDv7(), []int{4, 4}))
	require.NoError(t, err)

	moved := st.Clone()
	moved.State = core.StencilStarted
	moved.Advance(0)
	updated, err := b.Stencils().Update(ctx, moved)
	require.NoError(t, err)
	assert.Equal(t, st.Revision+1, updated.Revision)

	_, err = b.Stencils().Update(ctx, moved)
	assert.True(t, errors.Is(err, core.ErrRevisionConflict), "stale update: %v", err)

	got, err := b.Stencils().Get(ctx, st.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, got.Head)

	_, err = b.Stencils().Update(ctx, core.NewStencil(core.NewUUIDv7(), []int{3}))
	assert.ErrorIs(t, err, core.ErrStencilNotFound)
}

func TestBackendCandidatesAndResults(t *testing.T) {
	b := newIntegrationBackend(t)
	ctx := context.Background()

	prefix := core.NewUUIDv7()
	weight := 900
	require.NoError(t, b.Candidates().Insert(ctx,
		core.Candidate{ID: prefix + "/b", Weight: weight, InInterval: true},
		core.Candidate{ID: prefix + "/a", Weight: weight, InInterval: true},
		core.Candidate{ID: prefix + "/z", Weight: weight, InInterval: false},
	))

	got, err := b.Candidates().Get(ctx, prefix+"/z")
	require.NoError(t, err)
	assert.False(t, got.InInterval)

	list, err := b.Candidates().List(ctx, &core.ListCursor{Weight: weight, ID: prefix + "/a"}, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, prefix+"/b", list[0].ID)

	require.NoError(t, b.Results().Upsert(ctx, []core.ResultRecord{{ID: prefix + "-r", Weight: 6, ParentStencil: "3 3"}}))
	rec, err := b.Results().Get(ctx, prefix+"-r")
	require.NoError(t, err)
	assert.Equal(t, "3 3", rec.ParentStencil)

	_, err = b.Results().Get(ctx, prefix+"-missing")
	assert.ErrorIs(t, err, core.ErrResultNotFound)

	recs, err := b.Results().List(ctx, &core.ListCursor{Weight: 6, ID: prefix}, 1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, prefix+"-r", recs[0].ID)
}

func newIntegrationBackend(t *testing.T) *Backend {
	t.Helper()

	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		uri = "mongodb://localhost:27017"
	}

	b, err := New(context.Background(), uri, "tangle_test", DefaultCollections)
	if err != nil {
		t.Skipf("skipping integration test; MongoDB unavailable at %s: %v", uri, err)
	}
	t.Cleanup(func() {
		_ = b.Close()
	})
	return b
}
