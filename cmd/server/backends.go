package main

import (
	"context"
	"fmt"
	"time"

	"github.com/linnemanlabs/go-core/log"

	vc "github.com/linnemanlabs/sift/internal/cfg"
	"github.com/linnemanlabs/sift/internal/feedback"
	"github.com/linnemanlabs/sift/internal/feedback/memstore"
	"github.com/linnemanlabs/sift/internal/feedback/pgstore"
	"github.com/linnemanlabs/sift/internal/feedback/sqlitestore"
	"github.com/linnemanlabs/sift/internal/llm"
	"github.com/linnemanlabs/sift/internal/llm/analyst"
	"github.com/linnemanlabs/sift/internal/llm/claude"
	"github.com/linnemanlabs/sift/internal/llm/heuristic"
	"github.com/linnemanlabs/sift/internal/pipeline"
	"github.com/linnemanlabs/sift/internal/postgres"
	"github.com/linnemanlabs/sift/internal/search"
	"github.com/linnemanlabs/sift/internal/search/embed"
	"github.com/linnemanlabs/sift/internal/search/memindex"
	"github.com/linnemanlabs/sift/internal/search/milvus"
	"github.com/linnemanlabs/sift/internal/triage"
	"github.com/linnemanlabs/sift/internal/workflow"
)

// store is what every backend implements: domain records plus workflow
// checkpoints in the same database.
type store interface {
	feedback.Store
	workflow.Store
}

// analyzer covers the three model-backed judgments.
type analyzer interface {
	triage.Judge
	pipeline.SentimentAnalyzer
	pipeline.Summarizer
}

// openStore picks Postgres, SQLite or memory from configuration. The
// returned closer is never nil.
func openStore(ctx context.Context, c *vc.Config, L log.Logger) (store, func(), error) {
	switch {
	case c.DatabaseURL != "":
		pool, err := postgres.NewPool(ctx, c.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		s, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store")
		return s, pool.Close, nil

	case c.SQLitePath != "":
		s, err := sqlitestore.Open(ctx, c.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlitestore init: %w", err)
		}
		L.Info(ctx, "using sqlite store", "path", c.SQLitePath)
		return s, func() { _ = s.Close() }, nil

	default:
		L.Info(ctx, "using in-memory store (no database-url or sqlite-path configured)")
		return memstore.New(), func() {}, nil
	}
}

// openSearcher picks Milvus with OpenAI embeddings, optionally cached in
// Redis, or the in-process index.
func openSearcher(ctx context.Context, c *vc.Config, L log.Logger) (search.Searcher, func(), error) {
	if c.MilvusAddress == "" {
		L.Info(ctx, "using in-process similarity index (no milvus-address configured)")
		return memindex.New(), func() {}, nil
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	var embedder embed.Embedder = embed.NewOpenAI(c.OpenAIAPIKey, c.EmbeddingModel, c.EmbeddingDim, c.OpenAIBaseURL)
	if c.RedisAddr != "" {
		cache, err := embed.NewRedisCache(ctx, c.RedisAddr, c.RedisPassword, c.RedisDB)
		if err != nil {
			return nil, nil, fmt.Errorf("embedding cache: %w", err)
		}
		closers = append(closers, func() { _ = cache.Close() })
		embedder = embed.NewCached(embedder, cache, c.EmbeddingCacheTTL(), c.EmbeddingModel, L)
		L.Info(ctx, "embedding cache enabled", "redis_addr", c.RedisAddr, "ttl", c.EmbeddingCacheTTL())
	}

	mc, err := milvus.Dial(ctx, c.MilvusAddress)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	s, err := milvus.New(ctx, mc, embedder, c.MilvusCollection, L)
	if err != nil {
		_ = mc.Close()
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, func() { _ = s.Close() })

	L.Info(ctx, "using milvus similarity search",
		"address", c.MilvusAddress,
		"collection", c.MilvusCollection,
		"embedding_model", c.EmbeddingModel,
		"embedding_dim", c.EmbeddingDim,
	)
	return s, closeAll, nil
}

// newAnalyzer returns the Claude-backed analyst when a key is configured
// and the heuristic one otherwise.
func newAnalyzer(ctx context.Context, c *vc.Config, observe llm.Observer, L log.Logger) analyzer {
	if c.ClaudeAPIKey == "" {
		L.Info(ctx, "using heuristic analyst (no claude-api-key configured)")
		return heuristic.Analyst{}
	}
	provider := llm.Observe(claude.New(c.ClaudeAPIKey, c.ClaudeModel), observe)
	L.Info(ctx, "initialized LLM provider", "provider", "claude", "model", c.ClaudeModel)
	return analyst.New(provider, L)
}

// scheduled is the slice of pipeline.Service the scheduler drives.
type scheduled interface {
	RunScheduled(ctx context.Context) error
}

// runScheduler calls svc.RunScheduled every interval until ctx is done.
// It returns immediately when interval is not positive.
func runScheduler(ctx context.Context, svc scheduled, interval time.Duration, L log.Logger) {
	if interval <= 0 {
		L.Info(ctx, "scheduled detection disabled")
		return
	}
	L.Info(ctx, "scheduled detection enabled", "interval", interval)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := svc.RunScheduled(ctx); err != nil {
				L.Error(ctx, err, "scheduled run failed")
			}
		}
	}
}
