// Package nats stores stencils, candidates and results in NATS JetStream
// key-value buckets and fans job events out over core NATS subjects.
package nats

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
	"github.com/tanglenomicon/tangle-jobs/internal/kv"
	"github.com/tanglenomicon/tangle-jobs/internal/telemetry"
)

const backendName = "nats"

// Backend owns the NATS connection and the KV-backed stores.
type Backend struct {
	nc *nats.Conn
	js jetstream.JetStream

	stencils   *StencilStore
	candidates *CandidateStore
	results    *ResultStore
}

// New connects to NATS, creates the KV buckets and opens the stores.
func New(natsURL string) (*Backend, error) {
	nc, err := nats.Connect(natsURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := SetupKeyValue(ctx, js); err != nil {
		nc.Close()
		return nil, fmt.Errorf("setting up JetStream: %w", err)
	}

	openKV := func(name string) (*kv.Store, error) {
		bucket, err := js.KeyValue(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("opening KV bucket %s: %w", name, err)
		}
		return kv.NewStore(bucket), nil
	}

	stencilsKV, err := openKV(BucketStencils)
	if err != nil {
		nc.Close()
		return nil, err
	}
	candidatesKV, err := openKV(BucketCandidates)
	if err != nil {
		nc.Close()
		return nil, err
	}
	resultsKV, err := openKV(BucketResults)
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Backend{
		nc:         nc,
		js:         js,
		stencils:   &StencilStore{kv: stencilsKV},
		candidates: &CandidateStore{kv: candidatesKV},
		results:    &ResultStore{kv: resultsKV},
	}, nil
}

// Conn returns the underlying NATS connection for use by auxiliary services (e.g., pub/sub broker).
func (b *Backend) Conn() *nats.Conn {
	return b.nc
}

func (b *Backend) Stencils() *StencilStore     { return b.stencils }
func (b *Backend) Candidates() *CandidateStore { return b.candidates }
func (b *Backend) Results() *ResultStore       { return b.results }

// Ping fails unless the connection is up and JetStream answers.
func (b *Backend) Ping(ctx context.Context) error {
	if status := b.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("NATS status: %v", status)
	}
	if _, err := b.js.AccountInfo(ctx); err != nil {
		return fmt.Errorf("JetStream account info: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	b.nc.Close()
	return nil
}

// StencilStore implements core.StencilStore on a KV bucket. Revisions are
// the KV entry revisions, so Update is a native compare-and-swap.
type StencilStore struct {
	kv *kv.Store
}

func (s *StencilStore) Get(ctx context.Context, id string) (core.Stencil, error) {
	ctx, span := telemetry.StartStorageSpan(ctx, "stencil.get", backendName)
	defer span.End()

	data, rev, err := s.kv.Get(ctx, encodeKey(id))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return core.Stencil{}, fmt.Errorf("%w: %s", core.ErrStencilNotFound, id)
		}
		telemetry.RecordError(span, err)
		return core.Stencil{}, err
	}
	st, err := unmarshalStencil(data, rev)
	if err != nil {
		return core.Stencil{}, fmt.Errorf("decode stencil %s: %w", id, err)
	}
	return st, nil
}

// ListByState scans the bucket and returns matching stencils ordered by id.
func (s *StencilStore) ListByState(ctx context.Context, states ...core.StencilState) ([]core.Stencil, error) {
	ctx, span := telemetry.StartStorageSpan(ctx, "stencil.list", backendName)
	defer span.End()

	keys, err := s.kv.Keys(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	var out []core.Stencil
	for _, key := range keys {
		data, rev, err := s.kv.Get(ctx, key)
		if err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			return nil, err
		}
		st, err := unmarshalStencil(data, rev)
		if err != nil {
			return nil, fmt.Errorf("decode stencil at %s: %w", key, err)
		}
		if len(states) == 0 || slices.Contains(states, st.State) {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *StencilStore) Insert(ctx context.Context, st core.Stencil) (core.Stencil, error) {
	ctx, span := telemetry.StartStorageSpan(ctx, "stencil.insert", backendName)
	defer span.End()

	if st.ID == "" {
		st.ID = core.NewUUIDv7()
	}
	data, err := marshalStencil(st)
	if err != nil {
		return core.Stencil{}, fmt.Errorf("encode stencil %s: %w", st.ID, err)
	}
	rev, err := s.kv.Create(ctx, encodeKey(st.ID), data)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return core.Stencil{}, fmt.Errorf("stencil %s already exists", st.ID)
		}
		telemetry.RecordError(span, err)
		return core.Stencil{}, err
	}
	st = st.Clone()
	st.Revision = rev
	return st, nil
}

func (s *StencilStore) Update(ctx context.Context, st core.Stencil) (core.Stencil, error) {
	ctx, span := telemetry.StartStorageSpan(ctx, "stencil.update", backendName)
	defer span.End()

	data, err := marshalStencil(st)
	if err != nil {
		return core.Stencil{}, fmt.Errorf("encode stencil %s: %w", st.ID, err)
	}
	rev, err := s.kv.Update(ctx, encodeKey(st.ID), data, st.Revision)
	if err != nil {
		if !errors.Is(err, core.ErrRevisionConflict) {
			telemetry.RecordError(span, err)
		}
		return core.Stencil{}, err
	}
	st = st.Clone()
	st.Revision = rev
	return st, nil
}

// CandidateStore implements core.CandidateStore. Each candidate is stored
// under id.{id}; in-interval candidates also get an in.{weight}.{id} index
// key so Page only decodes one weight class.
type CandidateStore struct {
	kv *kv.Store
}

func (c *CandidateStore) Insert(ctx context.Context, candidates ...core.Candidate) error {
	ctx, span := telemetry.StartStorageSpan(ctx, "candidate.insert", backendName)
	defer span.End()

	for _, cand := range candidates {
		var prev candidateDoc
		if _, err := c.kv.GetJSON(ctx, candidateDocKey(cand.ID), &prev); err == nil {
			if prev.InInterval && (prev.Weight != cand.Weight || !cand.InInterval) {
				if err := c.kv.Delete(ctx, candidateIndexKey(prev.Weight, cand.ID)); err != nil {
					return fmt.Errorf("drop index for %s: %w", cand.ID, err)
				}
			}
		} else if !errors.Is(err, kv.ErrNotFound) {
			return err
		}

		doc := candidateDoc{ID: cand.ID, Weight: cand.Weight, InInterval: cand.InInterval}
		if _, err := c.kv.PutJSON(ctx, candidateDocKey(cand.ID), &doc); err != nil {
			telemetry.RecordError(span, err)
			return fmt.Errorf("store candidate %s: %w", cand.ID, err)
		}
		if cand.InInterval {
			if _, err := c.kv.Put(ctx, candidateIndexKey(cand.Weight, cand.ID), []byte(cand.ID)); err != nil {
				return fmt.Errorf("index candidate %s: %w", cand.ID, err)
			}
		}
	}
	return nil
}

func (c *CandidateStore) Page(ctx context.Context, weight, skip, limit int) ([]core.Candidate, int, error) {
	ctx, span := telemetry.StartStorageSpan(ctx, "candidate.page", backendName)
	defer span.End()

	keys, err := c.kv.KeysWithPrefix(ctx, candidateIndexPrefixFor(weight))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, 0, err
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id, err := candidateIDFromIndex(key)
		if err != nil {
			return nil, 0, err
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	total := len(ids)
	if skip >= total {
		return nil, total, nil
	}
	ids = ids[skip:min(skip+limit, total)]
	page := make([]core.Candidate, len(ids))
	for i, id := range ids {
		page[i] = core.Candidate{ID: id, Weight: weight, InInterval: true}
	}
	return page, total, nil
}

func (c *CandidateStore) Get(ctx context.Context, id string) (core.Candidate, error) {
	var doc candidateDoc
	if _, err := c.kv.GetJSON(ctx, candidateDocKey(id), &doc); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return core.Candidate{}, fmt.Errorf("%w: %s", core.ErrCandidateNotFound, id)
		}
		return core.Candidate{}, err
	}
	return core.Candidate{ID: doc.ID, Weight: doc.Weight, InInterval: doc.InInterval}, nil
}

func (c *CandidateStore) List(ctx context.Context, after *core.ListCursor, limit int) ([]core.Candidate, error) {
	ctx, span := telemetry.StartStorageSpan(ctx, "candidate.list", backendName)
	defer span.End()

	keys, err := c.kv.KeysWithPrefix(ctx, candidateDocPrefix)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	all := make([]core.Candidate, 0, len(keys))
	for _, key := range keys {
		id, err := decodeKey(strings.TrimPrefix(key, candidateDocPrefix))
		if err != nil {
			return nil, err
		}
		cand, err := c.Get(ctx, id)
		if err != nil {
			if errors.Is(err, core.ErrCandidateNotFound) {
				continue
			}
			return nil, err
		}
		if after == nil || after.After(cand.Weight, cand.ID) {
			all = append(all, cand)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Less(all[j]) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// ResultStore implements core.ResultStore. A repeated id overwrites the
// earlier record.
type ResultStore struct {
	kv *kv.Store
}

func (r *ResultStore) Upsert(ctx context.Context, records []core.ResultRecord) error {
	ctx, span := telemetry.StartStorageSpan(ctx, "result.upsert", backendName)
	defer span.End()

	for _, rec := range records {
		doc := resultDoc{ID: rec.ID, Weight: rec.Weight, ParentStencil: rec.ParentStencil}
		if _, err := r.kv.PutJSON(ctx, encodeKey(rec.ID), &doc); err != nil {
			telemetry.RecordError(span, err)
			return fmt.Errorf("store result %s: %w", rec.ID, err)
		}
	}
	return nil
}

func (r *ResultStore) Get(ctx context.Context, id string) (core.ResultRecord, error) {
	var doc resultDoc
	if _, err := r.kv.GetJSON(ctx, encodeKey(id), &doc); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return core.ResultRecord{}, fmt.Errorf("%w: %s", core.ErrResultNotFound, id)
		}
		return core.ResultRecord{}, err
	}
	return doc.record(), nil
}

// List reads every result document. The bucket has no secondary index, so
// the ordering is applied in memory.
func (r *ResultStore) List(ctx context.Context, after *core.ListCursor, limit int) ([]core.ResultRecord, error) {
	ctx, span := telemetry.StartStorageSpan(ctx, "result.list", backendName)
	defer span.End()

	keys, err := r.kv.Keys(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	out := make([]core.ResultRecord, 0, len(keys))
	for _, key := range keys {
		var doc resultDoc
		if _, err := r.kv.GetJSON(ctx, key, &doc); err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				continue
			}
			telemetry.RecordError(span, err)
			return nil, err
		}
		if after == nil || after.After(doc.Weight, doc.ID) {
			out = append(out, doc.record())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
