package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grafana/dskit/backoff"
)

// StencilStore persists stencils. Update is a compare-and-swap on
// Stencil.Revision and returns ErrRevisionConflict when the stored copy has
// moved on.
type StencilStore interface {
	Get(ctx context.Context, id string) (Stencil, error)
	ListByState(ctx context.Context, states ...StencilState) ([]Stencil, error)
	Insert(ctx context.Context, s Stencil) (Stencil, error)
	Update(ctx context.Context, s Stencil) (Stencil, error)
}

// CandidateStore is the read side of the candidate collection plus the
// seeding path.
type CandidateStore interface {
	// Page returns in-interval candidates of exactly weight, sorted by id,
	// skipping skip and returning at most limit. total counts every match.
	Page(ctx context.Context, weight, skip, limit int) (page []Candidate, total int, err error)
	Get(ctx context.Context, id string) (Candidate, error)
	// List returns up to limit candidates after the cursor, ordered by
	// weight then id. A nil cursor starts at the beginning.
	List(ctx context.Context, after *ListCursor, limit int) ([]Candidate, error)
	Insert(ctx context.Context, candidates ...Candidate) error
}

// ResultStore upserts reported artifacts by id and serves them back.
type ResultStore interface {
	Upsert(ctx context.Context, records []ResultRecord) error
	Get(ctx context.Context, id string) (ResultRecord, error)
	// List returns up to limit records after the cursor, ordered by weight
	// then id.
	List(ctx context.Context, after *ListCursor, limit int) ([]ResultRecord, error)
}

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// updateBackoff paces retries of a conflicting stencil write.
var updateBackoff = backoff.Config{
	MinBackoff: 10 * time.Millisecond,
	MaxBackoff: 200 * time.Millisecond,
	MaxRetries: 5,
}

// UpdateStencil reloads the stencil, applies mutate and writes it back,
// retrying on revision conflicts. An error from mutate aborts without a
// write.
func UpdateStencil(ctx context.Context, store StencilStore, id string, mutate func(*Stencil) error) (Stencil, error) {
	var lastErr error
	b := backoff.New(ctx, updateBackoff)
	for b.Ongoing() {
		current, err := store.Get(ctx, id)
		if err != nil {
			return Stencil{}, err
		}
		if err := mutate(&current); err != nil {
			return Stencil{}, err
		}
		updated, err := store.Update(ctx, current)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, ErrRevisionConflict) {
			return Stencil{}, err
		}
		lastErr = err
		b.Wait()
	}
	if err := ctx.Err(); err != nil {
		return Stencil{}, err
	}
	return Stencil{}, fmt.Errorf("update stencil %s: %w: %w", id, b.Err(), lastErr)
}
