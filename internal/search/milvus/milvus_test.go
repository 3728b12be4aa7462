package milvus

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/linnemanlabs/go-core/log"
)

// fakeClient implements the subset of client.Client the Searcher uses.
// Calling any other method panics on the nil embedded interface.
type fakeClient struct {
	client.Client

	mu         sync.Mutex
	has        bool
	created    *entity.Schema
	indexed    string
	loaded     int
	upserts    [][]entity.Column
	flushes    int
	searchVecs []entity.Vector
	searchTopK int
	results    []client.SearchResult
	upsertErr  error
	searchErr  error
}

func (f *fakeClient) HasCollection(context.Context, string) (bool, error) {
	return f.has, nil
}

func (f *fakeClient) CreateCollection(_ context.Context, schema *entity.Schema, _ int32, _ ...client.CreateCollectionOption) error {
	f.created = schema
	return nil
}

func (f *fakeClient) CreateIndex(_ context.Context, _ string, field string, _ entity.Index, _ bool, _ ...client.IndexOption) error {
	f.indexed = field
	return nil
}

func (f *fakeClient) LoadCollection(context.Context, string, bool, ...client.LoadCollectionOption) error {
	f.loaded++
	return nil
}

func (f *fakeClient) Upsert(_ context.Context, _ string, _ string, cols ...entity.Column) (entity.Column, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	f.upserts = append(f.upserts, cols)
	return cols[0], nil
}

func (f *fakeClient) Flush(context.Context, string, bool, ...client.FlushOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return nil
}

func (f *fakeClient) Search(_ context.Context, _ string, _ []string, _ string, _ []string, vectors []entity.Vector, _ string, _ entity.MetricType, topK int, _ entity.SearchParam, _ ...client.SearchQueryOptionFunc) ([]client.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	f.searchVecs = vectors
	f.searchTopK = topK
	return f.results, nil
}

type fixedEmbedder struct {
	vec []float32
	err error
}

func (e fixedEmbedder) Dim() int { return len(e.vec) }

func (e fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	return e.vec, e.err
}

func TestNew_CreatesCollection(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{}
	if _, err := New(context.Background(), fc, fixedEmbedder{vec: []float32{1, 2, 3}}, "feedback", log.Nop()); err != nil {
		t.Fatalf("New: %v", err)
	}

	if fc.created == nil {
		t.Fatal("collection was not created")
	}
	if fc.created.CollectionName != "feedback" {
		t.Errorf("collection = %q, want feedback", fc.created.CollectionName)
	}
	var pk string
	for _, f := range fc.created.Fields {
		if f.PrimaryKey {
			pk = f.Name
		}
		if f.Name == fieldEmbedding && f.TypeParams["dim"] != "3" {
			t.Errorf("dim = %q, want 3", f.TypeParams["dim"])
		}
	}
	if pk != fieldID {
		t.Errorf("primary key = %q, want %q", pk, fieldID)
	}
	if fc.indexed != fieldEmbedding {
		t.Errorf("indexed field = %q, want %q", fc.indexed, fieldEmbedding)
	}
	if fc.loaded != 1 {
		t.Errorf("loads = %d, want 1", fc.loaded)
	}
}

func TestNew_ExistingCollection(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{has: true}
	if _, err := New(context.Background(), fc, fixedEmbedder{vec: []float32{1}}, "feedback", nil); err != nil {
		t.Fatalf("New: %v", err)
	}
	if fc.created != nil {
		t.Error("existing collection was recreated")
	}
	if fc.loaded != 1 {
		t.Errorf("loads = %d, want 1", fc.loaded)
	}
}

func TestIndex_UpsertsAndFlushes(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{has: true}
	s, err := New(context.Background(), fc, fixedEmbedder{vec: []float32{0.5, 0.5}}, "feedback", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := s.Index(context.Background(), "42", "export broken", map[string]string{"source": "slack"}); err != nil {
		t.Fatalf("Index: %v", err)
	}

	if len(fc.upserts) != 1 || fc.flushes != 1 {
		t.Fatalf("upserts = %d, flushes = %d, want 1 and 1", len(fc.upserts), fc.flushes)
	}
	cols := fc.upserts[0]
	if len(cols) != 3 {
		t.Fatalf("columns = %d, want 3", len(cols))
	}
	id, _ := cols[0].Get(0)
	if cols[0].Name() != fieldID || id != "42" {
		t.Errorf("id column = %s/%v, want %s/42", cols[0].Name(), id, fieldID)
	}
	meta, _ := cols[2].Get(0)
	if meta != `{"source":"slack"}` {
		t.Errorf("metadata = %v", meta)
	}
}

func TestIndex_Errors(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{has: true, upsertErr: errors.New("unavailable")}
	s, err := New(context.Background(), fc, fixedEmbedder{vec: []float32{1}}, "feedback", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Index(context.Background(), "1", "x", nil); err == nil {
		t.Error("Index returned nil error on upsert failure")
	}
	if fc.flushes != 0 {
		t.Errorf("flushes = %d, want 0", fc.flushes)
	}

	s2, err := New(context.Background(), &fakeClient{has: true}, fixedEmbedder{vec: []float32{1}, err: errors.New("quota")}, "feedback", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s2.Index(context.Background(), "1", "x", nil); err == nil {
		t.Error("Index returned nil error on embed failure")
	}
}

func TestQuery_MapsResults(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{
		has: true,
		results: []client.SearchResult{{
			ResultCount: 2,
			IDs:         entity.NewColumnVarChar(fieldID, []string{"7", "3"}),
			Fields: client.ResultSet{
				entity.NewColumnVarChar(fieldMetadata, []string{`{"source":"email"}`, ""}),
			},
			Scores: []float32{0, 1},
		}},
	}
	s, err := New(context.Background(), fc, fixedEmbedder{vec: []float32{0.1, 0.2}}, "feedback", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got, err := s.Query(context.Background(), "export", 5)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if fc.searchTopK != 5 || len(fc.searchVecs) != 1 {
		t.Errorf("search topK = %d, vectors = %d", fc.searchTopK, len(fc.searchVecs))
	}
	if len(got) != 2 {
		t.Fatalf("matches = %d, want 2", len(got))
	}
	if got[0].ID != "7" || got[0].Score != 1 || got[0].Metadata["source"] != "email" {
		t.Errorf("match[0] = %+v", got[0])
	}
	if got[1].ID != "3" || got[1].Score != 0.5 || got[1].Metadata != nil {
		t.Errorf("match[1] = %+v", got[1])
	}
}

func TestQuery_ZeroTopK(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{has: true}
	s, err := New(context.Background(), fc, fixedEmbedder{vec: []float32{1}}, "feedback", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got, err := s.Query(context.Background(), "x", 0)
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("Query(topK=0) = %v, %v; want empty", got, err)
	}
	if fc.searchVecs != nil {
		t.Error("search was called for topK=0")
	}
}

func TestQuery_SearchError(t *testing.T) {
	t.Parallel()

	fc := &fakeClient{has: true, searchErr: errors.New("timeout")}
	s, err := New(context.Background(), fc, fixedEmbedder{vec: []float32{1}}, "feedback", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := s.Query(context.Background(), "x", 3); err == nil {
		t.Error("Query returned nil error")
	}
}
