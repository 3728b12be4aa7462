// Package embed turns text into vectors for the Milvus searcher, with an
// optional cache in front of the embedding API.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"
	openai "github.com/sashabaranov/go-openai"
)

// Embedder produces a fixed-dimension vector for a text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
}

// OpenAI embeds text with the OpenAI embeddings API.
type OpenAI struct {
	client *openai.Client
	model  openai.EmbeddingModel
	dim    int
}

var _ Embedder = (*OpenAI)(nil)

// NewOpenAI creates an OpenAI embedder. baseURL overrides the API endpoint
// when non-empty.
func NewOpenAI(apiKey, model string, dim int, baseURL string) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  openai.EmbeddingModel(model),
		dim:    dim,
	}
}

// Dim returns the configured vector dimension.
func (o *OpenAI) Dim() int { return o.dim }

// Embed implements Embedder.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      []string{text},
		Model:      o.model,
		Dimensions: o.dim,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("create embeddings: empty response")
	}
	vec := resp.Data[0].Embedding
	if len(vec) != o.dim {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(vec), o.dim)
	}
	return vec, nil
}

// Cache stores embeddings by key.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool, error)
	Set(ctx context.Context, key string, vec []float32, ttl time.Duration) error
}

// Cached serves embeddings from a Cache and fills it on a miss. Cache
// failures are logged and bypassed.
type Cached struct {
	inner     Embedder
	cache     Cache
	ttl       time.Duration
	namespace string
	logger    log.Logger
}

var _ Embedder = (*Cached)(nil)

// NewCached wraps inner. namespace separates keys of different models.
func NewCached(inner Embedder, cache Cache, ttl time.Duration, namespace string, logger log.Logger) *Cached {
	if logger == nil {
		logger = log.Nop()
	}
	return &Cached{inner: inner, cache: cache, ttl: ttl, namespace: namespace, logger: logger}
}

// Dim returns the wrapped embedder's dimension.
func (c *Cached) Dim() int { return c.inner.Dim() }

// Embed implements Embedder.
func (c *Cached) Embed(ctx context.Context, text string) ([]float32, error) {
	key := CacheKey(c.namespace, text)

	vec, ok, err := c.cache.Get(ctx, key)
	switch {
	case err != nil:
		c.logger.Warn(ctx, "embedding cache read failed", "err", err)
	case ok:
		return vec, nil
	}

	vec, err = c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if err := c.cache.Set(ctx, key, vec, c.ttl); err != nil {
		c.logger.Warn(ctx, "embedding cache write failed", "err", err)
	}
	return vec, nil
}

// CacheKey derives the cache key for text under namespace.
func CacheKey(namespace, text string) string {
	sum := sha256.Sum256([]byte(text))
	return "embedding:" + namespace + ":" + hex.EncodeToString(sum[:])
}
