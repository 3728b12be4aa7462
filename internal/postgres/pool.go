// Package postgres builds instrumented pgx connection pools.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PoolOption adjusts a pool before it connects.
type PoolOption func(*poolOptions)

type poolOptions struct {
	maxConns  int32
	slowQuery time.Duration
}

// WithMaxConns caps the pool size. Values <= 0 keep the pgx default.
func WithMaxConns(n int32) PoolOption {
	return func(o *poolOptions) { o.maxConns = n }
}

// WithSlowQuery logs only failed queries and those slower than d.
func WithSlowQuery(d time.Duration) PoolOption {
	return func(o *poolOptions) { o.slowQuery = d }
}

// NewPool parses databaseURL, installs the otelpgx tracer wrapped with
// query logging, and verifies connectivity.
func NewPool(ctx context.Context, databaseURL string, opts ...PoolOption) (*pgxpool.Pool, error) {
	var o poolOptions
	for _, fn := range opts {
		fn(&o)
	}

	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if o.maxConns > 0 {
		cfg.MaxConns = o.maxConns
	}
	cfg.ConnConfig.Tracer = newQueryLogger(otelpgx.NewTracer(), o.slowQuery)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}
