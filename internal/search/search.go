// Package search defines the similarity-search contract used for
// clustering, and a wrapper that degrades backend failures to empty
// results.
package search

import (
	"context"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
)

// Match is one ranked search hit. Only the order of matches is meaningful;
// Score is backend specific.
type Match struct {
	ID       string            `json:"id"`
	Score    float64           `json:"score"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Searcher indexes text by id and returns the ids most similar to a query,
// best first.
type Searcher interface {
	Index(ctx context.Context, id, text string, metadata map[string]string) error
	Query(ctx context.Context, text string, topK int) ([]Match, error)
}

// Resilient wraps a Searcher so that failures are logged and reported to
// onFailure instead of returned. Index becomes best effort and Query
// returns no matches. Each call is bounded by timeout; a call that outlives
// it counts as a failure even if the backend ignores cancellation.
type Resilient struct {
	inner     Searcher
	logger    log.Logger
	onFailure func(op string)
	timeout   time.Duration
}

var _ Searcher = (*Resilient)(nil)

// NewResilient wraps inner. onFailure may be nil. A timeout of zero leaves
// calls unbounded.
func NewResilient(inner Searcher, logger log.Logger, onFailure func(op string), timeout time.Duration) *Resilient {
	if inner == nil {
		panic(xerrors.New("searcher is required"))
	}
	if timeout < 0 {
		panic(xerrors.New("search timeout must not be negative"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	return &Resilient{inner: inner, logger: logger, onFailure: onFailure, timeout: timeout}
}

// Index implements Searcher. It never returns an error.
func (r *Resilient) Index(ctx context.Context, id, text string, metadata map[string]string) error {
	_, err := r.bounded(ctx, func(ctx context.Context) ([]Match, error) {
		return nil, r.inner.Index(ctx, id, text, metadata)
	})
	if err != nil {
		r.failed(ctx, "index", err, "id", id)
	}
	return nil
}

// Query implements Searcher. On failure it returns an empty result.
func (r *Resilient) Query(ctx context.Context, text string, topK int) ([]Match, error) {
	matches, err := r.bounded(ctx, func(ctx context.Context) ([]Match, error) {
		return r.inner.Query(ctx, text, topK)
	})
	if err != nil {
		r.failed(ctx, "query", err, "top_k", topK)
		return []Match{}, nil
	}
	return matches, nil
}

type result struct {
	matches []Match
	err     error
}

// bounded runs fn under the configured timeout and returns when either fn
// finishes or the deadline passes.
func (r *Resilient) bounded(ctx context.Context, fn func(context.Context) ([]Match, error)) ([]Match, error) {
	if r.timeout == 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() {
		m, err := fn(ctx)
		done <- result{matches: m, err: err}
	}()
	select {
	case res := <-done:
		return res.matches, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Resilient) failed(ctx context.Context, op string, err error, kv ...any) {
	if r.onFailure != nil {
		r.onFailure(op)
	}
	r.logger.Warn(ctx, "similarity search failed, degrading", append([]any{"op", op, "err", err}, kv...)...)
}
