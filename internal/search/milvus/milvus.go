// Package milvus implements search.Searcher over a Milvus collection of
// feedback embeddings.
package milvus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/sift/internal/search"
	"github.com/linnemanlabs/sift/internal/search/embed"
)

const (
	fieldID        = "feedback_id"
	fieldEmbedding = "embedding"
	fieldMetadata  = "metadata"

	defaultNList  = 128
	defaultNProbe = 16
)

// Searcher indexes and queries feedback text through an Embedder and a
// Milvus collection.
type Searcher struct {
	client     client.Client
	embedder   embed.Embedder
	collection string
	logger     log.Logger
}

var _ search.Searcher = (*Searcher)(nil)

// Dial connects to the Milvus server at addr.
func Dial(ctx context.Context, addr string) (client.Client, error) {
	c, err := client.NewGrpcClient(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("connect to milvus %s: %w", addr, err)
	}
	return c, nil
}

// New creates a Searcher and makes sure the collection exists and is loaded.
func New(ctx context.Context, c client.Client, embedder embed.Embedder, collection string, logger log.Logger) (*Searcher, error) {
	if logger == nil {
		logger = log.Nop()
	}
	s := &Searcher{client: c, embedder: embedder, collection: collection, logger: logger}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying client.
func (s *Searcher) Close() error {
	return s.client.Close()
}

func (s *Searcher) ensureCollection(ctx context.Context) error {
	has, err := s.client.HasCollection(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if has {
		return s.load(ctx)
	}

	schema := &entity.Schema{
		CollectionName: s.collection,
		Description:    "feedback embeddings",
		Fields: []*entity.Field{
			{
				Name:       fieldID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				TypeParams: map[string]string{"max_length": "64"},
			},
			{
				Name:       fieldEmbedding,
				DataType:   entity.FieldTypeFloatVector,
				TypeParams: map[string]string{"dim": strconv.Itoa(s.embedder.Dim())},
			},
			{
				Name:       fieldMetadata,
				DataType:   entity.FieldTypeVarChar,
				TypeParams: map[string]string{"max_length": "2048"},
			},
		},
	}
	if err := s.client.CreateCollection(ctx, schema, entity.DefaultShardNumber); err != nil {
		return fmt.Errorf("create collection: %w", err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.L2, defaultNList)
	if err != nil {
		return fmt.Errorf("build index params: %w", err)
	}
	if err := s.client.CreateIndex(ctx, s.collection, fieldEmbedding, idx, false); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	s.logger.Info(ctx, "milvus collection created", "collection", s.collection, "dim", s.embedder.Dim())
	return s.load(ctx)
}

func (s *Searcher) load(ctx context.Context) error {
	if err := s.client.LoadCollection(ctx, s.collection, false); err != nil {
		return fmt.Errorf("load collection: %w", err)
	}
	return nil
}

// Index embeds text and upserts it under id.
func (s *Searcher) Index(ctx context.Context, id, text string, metadata map[string]string) error {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("embed %s: %w", id, err)
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	_, err = s.client.Upsert(ctx, s.collection, "",
		entity.NewColumnVarChar(fieldID, []string{id}),
		entity.NewColumnFloatVector(fieldEmbedding, s.embedder.Dim(), [][]float32{vec}),
		entity.NewColumnVarChar(fieldMetadata, []string{string(meta)}),
	)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", id, err)
	}
	if err := s.client.Flush(ctx, s.collection, false); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Query returns up to topK nearest items. Scores are 1/(1+d) for L2
// distance d, so closer items score higher.
func (s *Searcher) Query(ctx context.Context, text string, topK int) ([]search.Match, error) {
	if topK <= 0 {
		return []search.Match{}, nil
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	sp, err := entity.NewIndexIvfFlatSearchParam(defaultNProbe)
	if err != nil {
		return nil, fmt.Errorf("build search params: %w", err)
	}
	results, err := s.client.Search(ctx, s.collection, []string{}, "",
		[]string{fieldMetadata},
		[]entity.Vector{entity.FloatVector(vec)},
		fieldEmbedding, entity.L2, topK, sp,
	)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	matches := make([]search.Match, 0, topK)
	for _, sr := range results {
		metaCol := sr.Fields.GetColumn(fieldMetadata)
		for i := 0; i < sr.ResultCount; i++ {
			raw, err := sr.IDs.Get(i)
			if err != nil {
				return nil, fmt.Errorf("read result id: %w", err)
			}
			id, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("unexpected id type %T", raw)
			}
			m := search.Match{ID: id, Score: 1 / (1 + float64(sr.Scores[i]))}
			if metaCol != nil {
				m.Metadata = decodeMetadata(metaCol, i)
			}
			matches = append(matches, m)
		}
	}
	return matches, nil
}

func decodeMetadata(col entity.Column, i int) map[string]string {
	raw, err := col.Get(i)
	if err != nil {
		return nil
	}
	str, ok := raw.(string)
	if !ok || str == "" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(str), &out); err != nil {
		return nil
	}
	return out
}
