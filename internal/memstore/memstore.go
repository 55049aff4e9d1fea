// Package memstore keeps stencils, candidates and results in process memory.
// It backs tests and the "memory" store backend.
package memstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
)

// Stencils is an in-memory core.StencilStore.
type Stencils struct {
	mu       sync.RWMutex
	stencils map[string]core.Stencil
}

func NewStencils() *Stencils {
	return &Stencils{stencils: make(map[string]core.Stencil)}
}

func (s *Stencils) Get(ctx context.Context, id string) (core.Stencil, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.stencils[id]
	if !ok {
		return core.Stencil{}, fmt.Errorf("%w: %s", core.ErrStencilNotFound, id)
	}
	return st.Clone(), nil
}

// ListByState returns matching stencils ordered by id.
func (s *Stencils) ListByState(ctx context.Context, states ...core.StencilState) ([]core.Stencil, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []core.Stencil
	for _, st := range s.stencils {
		if len(states) == 0 || slices.Contains(states, st.State) {
			out = append(out, st.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Stencils) Insert(ctx context.Context, st core.Stencil) (core.Stencil, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.stencils[st.ID]; ok {
		return core.Stencil{}, fmt.Errorf("stencil %s already exists", st.ID)
	}
	st = st.Clone()
	st.Revision = 1
	s.stencils[st.ID] = st
	return st.Clone(), nil
}

func (s *Stencils) Update(ctx context.Context, st core.Stencil) (core.Stencil, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.stencils[st.ID]
	if !ok {
		return core.Stencil{}, fmt.Errorf("%w: %s", core.ErrStencilNotFound, st.ID)
	}
	if cur.Revision != st.Revision {
		return core.Stencil{}, core.ErrRevisionConflict
	}
	st = st.Clone()
	st.Revision++
	s.stencils[st.ID] = st
	return st.Clone(), nil
}

// Candidates is an in-memory core.CandidateStore.
type Candidates struct {
	mu     sync.RWMutex
	byID   map[string]core.Candidate
	sorted []core.Candidate
}

func NewCandidates() *Candidates {
	return &Candidates{byID: make(map[string]core.Candidate)}
}

func (c *Candidates) Insert(ctx context.Context, candidates ...core.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cand := range candidates {
		c.byID[cand.ID] = cand
	}
	c.sorted = c.sorted[:0]
	for _, cand := range c.byID {
		c.sorted = append(c.sorted, cand)
	}
	sort.Slice(c.sorted, func(i, j int) bool { return c.sorted[i].Less(c.sorted[j]) })
	return nil
}

func (c *Candidates) Page(ctx context.Context, weight, skip, limit int) ([]core.Candidate, int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var matches []core.Candidate
	for _, cand := range c.sorted {
		if cand.Weight == weight && cand.InInterval {
			matches = append(matches, cand)
		}
	}
	total := len(matches)
	if skip >= total {
		return nil, total, nil
	}
	end := min(skip+limit, total)
	return slices.Clone(matches[skip:end]), total, nil
}

func (c *Candidates) Get(ctx context.Context, id string) (core.Candidate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cand, ok := c.byID[id]
	if !ok {
		return core.Candidate{}, fmt.Errorf("%w: %s", core.ErrCandidateNotFound, id)
	}
	return cand, nil
}

func (c *Candidates) List(ctx context.Context, after *core.ListCursor, limit int) ([]core.Candidate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	start := 0
	if after != nil {
		start = sort.Search(len(c.sorted), func(i int) bool { return after.After(c.sorted[i].Weight, c.sorted[i].ID) })
	}
	end := min(start+limit, len(c.sorted))
	if start >= end {
		return []core.Candidate{}, nil
	}
	return slices.Clone(c.sorted[start:end]), nil
}

// Results is an in-memory core.ResultStore.
type Results struct {
	mu      sync.RWMutex
	records map[string]core.ResultRecord
	// FailNext makes the next Upsert return this error once.
	FailNext error
}

func NewResults() *Results {
	return &Results{records: make(map[string]core.ResultRecord)}
}

func (r *Results) Upsert(ctx context.Context, records []core.ResultRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailNext != nil {
		err := r.FailNext
		r.FailNext = nil
		return err
	}
	for _, rec := range records {
		r.records[rec.ID] = rec
	}
	return nil
}

func (r *Results) Get(ctx context.Context, id string) (core.ResultRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return core.ResultRecord{}, fmt.Errorf("%w: %s", core.ErrResultNotFound, id)
	}
	return rec, nil
}

func (r *Results) List(ctx context.Context, after *core.ListCursor, limit int) ([]core.ResultRecord, error) {
	r.mu.RLock()
	out := make([]core.ResultRecord, 0, len(r.records))
	for _, rec := range r.records {
		if after == nil || after.After(rec.Weight, rec.ID) {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len is the number of stored records.
func (r *Results) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
