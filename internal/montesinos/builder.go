package montesinos

import (
	"context"
	"fmt"
	"time"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
	"github.com/tanglenomicon/tangle-jobs/internal/telemetry"
)

// Builder turns a stencil and a head position into a job.
type Builder struct {
	candidates core.CandidateStore
	pageExp    int
	now        func() time.Time
}

func NewBuilder(candidates core.CandidateStore, pageExp int) *Builder {
	return &Builder{candidates: candidates, pageExp: pageExp, now: time.Now}
}

// PageSize is the number of candidates per slot in a job.
func (b *Builder) PageSize() int {
	return 1 << b.pageExp
}

// Build fetches page cursor[i] of the in-interval candidates of weight
// Template[i] for every slot. A slot weight with no candidates at all fails
// with core.ErrEmptyCandidateSet.
func (b *Builder) Build(ctx context.Context, st core.Stencil, cursor []int, jobID string) (_ *core.Job, err error) {
	ctx, span := telemetry.StartJobSpan(ctx, "build", jobID, string(core.KindMontesinos))
	defer func() {
		telemetry.RecordError(span, err)
		span.End()
	}()

	if len(cursor) != len(st.Template) {
		return nil, fmt.Errorf("stencil %s: cursor has %d slots, template has %d", st.ID, len(cursor), len(st.Template))
	}

	size := b.PageSize()
	lists := make([][]string, len(st.Template))
	for i, weight := range st.Template {
		page, total, err := b.candidates.Page(ctx, weight, cursor[i]*size, size)
		if err != nil {
			return nil, fmt.Errorf("candidates of weight %d: %w", weight, err)
		}
		if total == 0 {
			return nil, fmt.Errorf("stencil %s weight %d: %w", st.ID, weight, core.ErrEmptyCandidateSet)
		}
		ids := make([]string, len(page))
		for j, c := range page {
			ids[j] = c.ID
		}
		lists[i] = ids
	}

	return &core.Job{
		ID:        jobID,
		Kind:      core.KindMontesinos,
		CreatedAt: b.now(),
		State:     core.StateNew,
		Payload: &Payload{
			CrossingNum: st.Weight(),
			StencilID:   st.ID,
			Stencil:     st.Rep(),
			Cursor:      append([]int(nil), cursor...),
			RatLists:    lists,
		},
	}, nil
}
