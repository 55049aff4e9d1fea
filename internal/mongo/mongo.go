// Package mongo keeps stencils, candidates and results in MongoDB using the
// collection layout the tanglenomicon data API has always written.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/tanglenomicon/tangle-jobs/internal/core"
	"github.com/tanglenomicon/tangle-jobs/internal/telemetry"
)

const backendName = "mongo"

// Collections names the three collections.
type Collections struct {
	Stencils   string
	Candidates string
	Results    string
}

// DefaultCollections matches the historical layout.
var DefaultCollections = Collections{
	Stencils:   "mont_stencils",
	Candidates: "rational",
	Results:    "montesinos",
}

// Backend owns the client and the collection-backed stores.
type Backend struct {
	client *mongo.Client

	stencils   *StencilStore
	candidates *CandidateStore
	results    *ResultStore
}

// New connects to uri and opens the stores in database.
func New(ctx context.Context, uri, database string, cols Collections) (*Backend, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connecting to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging MongoDB: %w", err)
	}

	db := client.Database(database)
	return &Backend{
		client:     client,
		stencils:   &StencilStore{col: db.Collection(cols.Stencils)},
		candidates: &CandidateStore{col: db.Collection(cols.Candidates)},
		results:    &ResultStore{col: db.Collection(cols.Results)},
	}, nil
}

func (b *Backend) Stencils() *StencilStore     { return b.stencils }
func (b *Backend) Candidates() *CandidateStore { return b.candidates }
func (b *Backend) Results() *ResultStore       { return b.results }

func (b *Backend) Ping(ctx context.Context) error {
	return b.client.Ping(ctx, readpref.Primary())
}

func (b *Backend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return b.client.Disconnect(ctx)
}

// Stored stencil states are integers.
var stateCodes = map[core.StencilState]int{
	core.StencilNew:        0,
	core.StencilStarted:    1,
	core.StencilNoHeadroom: 2,
	core.StencilComplete:   3,
}

func stateCode(s core.StencilState) int {
	return stateCodes[s]
}

func stateFromCode(code int) (core.StencilState, error) {
	for s, c := range stateCodes {
		if c == code {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stencil state code %d", code)
}

type stencilDoc struct {
	ID       string         `bson:"_id"`
	Template []int          `bson:"stencil_array"`
	Rep      string         `bson:"str_rep"`
	Weight   int            `bson:"crossing_num"`
	Head     []int          `bson:"head"`
	State    int            `bson:"state"`
	OpenJobs []core.OpenJob `bson:"open_jobs"`
	Revision int64          `bson:"revision"`
}

func toStencilDoc(s core.Stencil, revision int64) stencilDoc {
	openJobs := s.OpenJobs
	if openJobs == nil {
		openJobs = []core.OpenJob{}
	}
	return stencilDoc{
		ID:       s.ID,
		Template: s.Template,
		Rep:      s.Rep(),
		Weight:   s.Weight(),
		Head:     s.Head,
		State:    stateCode(s.State),
		OpenJobs: openJobs,
		Revision: revision,
	}
}

func (d stencilDoc) stencil() (core.Stencil, error) {
	state, err := stateFromCode(d.State)
	if err != nil {
		return core.Stencil{}, fmt.Errorf("stencil %s: %w", d.ID, err)
	}
	return core.Stencil{
		ID:       d.ID,
		Template: d.Template,
		Head:     d.Head,
		State:    state,
		OpenJobs: d.OpenJobs,
		Revision: uint64(d.Revision),
	}, nil
}

// revisionFilter matches a document at rev. Documents written before
// revisions existed have no field and count as revision 0.
func revisionFilter(id string, rev uint64) bson.M {
	if rev == 0 {
		return bson.M{"_id": id, "revision": bson.M{"$in": bson.A{int64(0), nil}}}
	}
	return bson.M{"_id": id, "revision": int64(rev)}
}

// StencilStore implements core.StencilStore. Update replaces the document
// only while its revision field is unchanged.
type StencilStore struct {
	col *mongo.Collection
}

func (s *StencilStore) Get(ctx context.Context, id string) (core.Stencil, error) {
	ctx, span := telemetry.StartStorageSpan(ctx, "stencil.get", backendName)
	defer span.End()

	var doc stencilDoc
	if err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return core.Stencil{}, fmt.Errorf("%w: %s", core.ErrStencilNotFound, id)
		}
		telemetry.RecordError(span, err)
		return core.Stencil{}, err
	}
	return doc.stencil()
}

func (s *StencilStore) ListByState(ctx context.Context, states ...core.StencilState) ([]core.Stencil, error) {
	ctx, span := telemetry.StartStorageSpan(ctx, "stencil.list", backendName)
	defer span.End()

	filter := bson.M{}
	if len(states) > 0 {
		codes := make(bson.A, len(states))
		for i, st := range states {
			codes[i] = stateCode(st)
		}
		filter["state"] = bson.M{"$in": codes}
	}
	cur, err := s.col.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	var docs []stencilDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]core.Stencil, 0, len(docs))
	for _, d := range docs {
		st, err := d.stencil()
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *StencilStore) Insert(ctx context.Context, st core.Stencil) (core.Stencil, error) {
	ctx, span := telemetry.StartStorageSpan(ctx, "stencil.insert", backendName)
	defer span.End()

	if st.ID == "" {
		st.ID = core.NewUUIDv7()
	}
	if _, err := s.col.InsertOne(ctx, toStencilDoc(st, 1)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return core.Stencil{}, fmt.Errorf("stencil %s already exists", st.ID)
		}
		telemetry.RecordError(span, err)
		return core.Stencil{}, err
	}
	st = st.Clone()
	st.Revision = 1
	return st, nil
}

func (s *StencilStore) Update(ctx context.Context, st core.Stencil) (core.Stencil, error) {
	ctx, span := telemetry.StartStorageSpan(ctx, "stencil.update", backendName)
	defer span.End()

	next := st.Revision + 1
	res, err := s.col.ReplaceOne(ctx, revisionFilter(st.ID, st.Revision), toStencilDoc(st, int64(next)))
	if err != nil {
		telemetry.RecordError(span, err)
		return core.Stencil{}, err
	}
	if res.MatchedCount == 0 {
		n, err := s.col.CountDocuments(ctx, bson.M{"_id": st.ID})
		if err != nil {
			return core.Stencil{}, err
		}
		if n == 0 {
			return core.Stencil{}, fmt.Errorf("%w: %s", core.ErrStencilNotFound, st.ID)
		}
		return core.Stencil{}, fmt.Errorf("stencil %s at revision %d: %w", st.ID, st.Revision, core.ErrRevisionConflict)
	}
	st = st.Clone()
	st.Revision = next
	return st, nil
}

type candidateDoc struct {
	ID         string `bson:"_id"`
	Weight     int    `bson:"crossing_num"`
	InInterval bool   `bson:"in_unit_interval"`
}

func (d candidateDoc) candidate() core.Candidate {
	return core.Candidate{ID: d.ID, Weight: d.Weight, InInterval: d.InInterval}
}

// CandidateStore implements core.CandidateStore over the rational tangle
// collection. Extra fields on stored documents are ignored.
type CandidateStore struct {
	col *mongo.Collection
}

func (c *CandidateStore) Insert(ctx context.Context, candidates ...core.Candidate) error {
	if len(candidates) == 0 {
		return nil
	}
	ctx, span := telemetry.StartStorageSpan(ctx, "candidate.insert", backendName)
	defer span.End()

	models := make([]mongo.WriteModel, len(candidates))
	for i, cand := range candidates {
		models[i] = mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": cand.ID}).
			SetUpdate(bson.M{"$set": bson.M{
				"crossing_num":     cand.Weight,
				"in_unit_interval": cand.InInterval,
			}}).
			SetUpsert(true)
	}
	if _, err := c.col.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("upsert candidates: %w", err)
	}
	return nil
}

func (c *CandidateStore) Page(ctx context.Context, weight, skip, limit int) ([]core.Candidate, int, error) {
	ctx, span := telemetry.StartStorageSpan(ctx, "candidate.page", backendName)
	defer span.End()

	filter := bson.M{"crossing_num": weight, "in_unit_interval": true}
	total, err := c.col.CountDocuments(ctx, filter)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, 0, err
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetSkip(int64(skip)).
		SetLimit(int64(limit))
	cur, err := c.col.Find(ctx, filter, opts)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, 0, err
	}
	var docs []candidateDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, 0, err
	}
	page := make([]core.Candidate, len(docs))
	for i, d := range docs {
		page[i] = d.candidate()
	}
	return page, int(total), nil
}

func (c *CandidateStore) Get(ctx context.Context, id string) (core.Candidate, error) {
	var doc candidateDoc
	if err := c.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return core.Candidate{}, fmt.Errorf("%w: %s", core.ErrCandidateNotFound, id)
		}
		return core.Candidate{}, err
	}
	return doc.candidate(), nil
}

func (c *CandidateStore) List(ctx context.Context, after *core.ListCursor, limit int) ([]core.Candidate, error) {
	ctx, span := telemetry.StartStorageSpan(ctx, "candidate.list", backendName)
	defer span.End()

	cur, err := c.col.Find(ctx, afterFilter(after), listOptions(limit))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	var docs []candidateDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]core.Candidate, len(docs))
	for i, d := range docs {
		out[i] = d.candidate()
	}
	return out, nil
}

// ResultStore implements core.ResultStore with one unordered bulk upsert
// per report.
type ResultStore struct {
	col *mongo.Collection
}

func (r *ResultStore) Upsert(ctx context.Context, records []core.ResultRecord) error {
	if len(records) == 0 {
		return nil
	}
	ctx, span := telemetry.StartStorageSpan(ctx, "result.upsert", backendName)
	defer span.End()

	models := make([]mongo.WriteModel, len(records))
	for i, rec := range records {
		models[i] = mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": rec.ID}).
			SetUpdate(bson.M{"$set": bson.M{
				"crossing_num":   rec.Weight,
				"parent_stencil": rec.ParentStencil,
			}}).
			SetUpsert(true)
	}
	if _, err := r.col.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		telemetry.RecordError(span, err)
		return fmt.Errorf("upsert results: %w", err)
	}
	return nil
}

type resultDoc struct {
	ID            string `bson:"_id"`
	Weight        int    `bson:"crossing_num"`
	ParentStencil string `bson:"parent_stencil"`
}

func (d resultDoc) record() core.ResultRecord {
	return core.ResultRecord{ID: d.ID, Weight: d.Weight, ParentStencil: d.ParentStencil}
}

func (r *ResultStore) Get(ctx context.Context, id string) (core.ResultRecord, error) {
	var doc resultDoc
	if err := r.col.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return core.ResultRecord{}, fmt.Errorf("%w: %s", core.ErrResultNotFound, id)
		}
		return core.ResultRecord{}, err
	}
	return doc.record(), nil
}

func (r *ResultStore) List(ctx context.Context, after *core.ListCursor, limit int) ([]core.ResultRecord, error) {
	ctx, span := telemetry.StartStorageSpan(ctx, "result.list", backendName)
	defer span.End()

	cur, err := r.col.Find(ctx, afterFilter(after), listOptions(limit))
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	var docs []resultDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]core.ResultRecord, len(docs))
	for i, d := range docs {
		out[i] = d.record()
	}
	return out, nil
}

// afterFilter matches documents ordered after the cursor by crossing
// number, then id.
func afterFilter(after *core.ListCursor) bson.M {
	filter := bson.M{}
	if after != nil {
		filter["$or"] = bson.A{
			bson.M{"crossing_num": bson.M{"$gt": after.Weight}},
			bson.M{"crossing_num": after.Weight, "_id": bson.M{"$gt": after.ID}},
		}
	}
	return filter
}

func listOptions(limit int) *options.FindOptions {
	return options.Find().
		SetSort(bson.D{{Key: "crossing_num", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
}
