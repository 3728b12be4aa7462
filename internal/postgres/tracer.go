package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

// OriginBackground labels queries issued outside an HTTP request, such as
// workflow steps and the edition scheduler.
const OriginBackground = "background"

var observer atomic.Pointer[observerHolder]

type observerHolder struct{ QueryObserver }

type (
	originKey     struct{}
	statsKey      struct{}
	queryStateKey struct{}
)

// QueryObserver receives one observation per finished query.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, origin, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, origin, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, origin, route, outcome string, dur time.Duration) {
	f(ctx, origin, route, outcome, dur)
}

// SetQueryObserver installs the process-wide observer. nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerHolder{QueryObserver: o})
}

func currentObserver() QueryObserver {
	h := observer.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// WithOrigin tags ctx with the label queries are observed under, usually
// the HTTP method of the request issuing them.
func WithOrigin(ctx context.Context, origin string) context.Context {
	if origin == "" {
		return ctx
	}
	return context.WithValue(ctx, originKey{}, origin)
}

func originFrom(ctx context.Context) string {
	if v, ok := ctx.Value(originKey{}).(string); ok {
		return v
	}
	return OriginBackground
}

// QueryStats accumulates query counts and time for one unit of work.
type QueryStats struct {
	mu       sync.Mutex
	count    int
	errors   int
	duration time.Duration
}

// Add records a single query.
func (s *QueryStats) Add(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	s.duration += dur
	if err != nil {
		s.errors++
	}
}

// Snapshot returns the totals recorded so far.
func (s *QueryStats) Snapshot() (count, errs int, total time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, s.errors, s.duration
}

// WithQueryStats attaches an empty QueryStats to ctx.
func WithQueryStats(ctx context.Context) (context.Context, *QueryStats) {
	s := &QueryStats{}
	return context.WithValue(ctx, statsKey{}, s), s
}

// QueryStatsFrom returns the QueryStats attached to ctx, if any.
func QueryStatsFrom(ctx context.Context) (*QueryStats, bool) {
	s, ok := ctx.Value(statsKey{}).(*QueryStats)
	return s, ok && s != nil
}

// WithoutQueryStats hides any QueryStats attached to ctx, so work that
// outlives a request stops adding to that request's totals. The origin
// label is kept.
func WithoutQueryStats(ctx context.Context) context.Context {
	if _, ok := QueryStatsFrom(ctx); !ok {
		return ctx
	}
	return context.WithValue(ctx, statsKey{}, (*QueryStats)(nil))
}

// queryState carries what TraceQueryStart learned through to TraceQueryEnd.
type queryState struct {
	sql     string
	args    []any
	start   time.Time
	caller  string
	handler string
}

// queryLogger wraps another pgx.QueryTracer (otelpgx in production) with a
// structured log line, per-request stats and the metrics observer.
type queryLogger struct {
	inner pgx.QueryTracer
	// queries faster than slow that succeed are not logged; 0 logs all
	slow time.Duration
	now  func() time.Time
}

func newQueryLogger(inner pgx.QueryTracer, slow time.Duration) *queryLogger {
	return &queryLogger{inner: inner, slow: slow, now: time.Now}
}

func (q *queryLogger) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	st := &queryState{sql: data.SQL, args: data.Args, start: q.now()}
	st.caller, st.handler = callSite()

	if q.inner != nil {
		ctx = q.inner.TraceQueryStart(ctx, conn, data)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		if st.caller != "" {
			span.SetAttributes(attribute.String("db.caller", st.caller))
		}
		if st.handler != "" {
			span.SetAttributes(attribute.String("db.handler", st.handler))
		}
	}

	return context.WithValue(ctx, queryStateKey{}, st)
}

func (q *queryLogger) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if q.inner != nil {
		q.inner.TraceQueryEnd(ctx, conn, data)
	}

	st, _ := ctx.Value(queryStateKey{}).(*queryState)
	if st == nil {
		st = &queryState{}
	}
	var dur time.Duration
	if !st.start.IsZero() {
		dur = q.now().Sub(st.start)
	}

	if s, ok := QueryStatsFrom(ctx); ok {
		s.Add(dur, data.Err)
	}

	if obs := currentObserver(); obs != nil {
		route := "none"
		if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		obs.ObserveQuery(ctx, originFrom(ctx), route, outcome(data.Err), dur)
	}

	if data.Err == nil && q.slow > 0 && dur < q.slow {
		return
	}

	fields := queryFields(st, dur, data)
	L := log.FromContext(ctx)
	if data.Err != nil {
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

func queryFields(st *queryState, dur time.Duration, data pgx.TraceQueryEndData) []any {
	fields := []any{
		"db.statement", st.sql,
		"db.args", st.args,
		"db.duration", dur.Seconds(),
	}

	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		if op, _, _ := strings.Cut(tag, " "); op != "" {
			fields = append(fields, "db.operation.name", strings.ToUpper(op))
		}
		fields = append(fields, "pg.command_tag", tag, "db.rows", data.CommandTag.RowsAffected())
	}
	if st.caller != "" {
		fields = append(fields, "db.caller", st.caller)
	}
	if st.handler != "" {
		fields = append(fields, "db.handler", st.handler)
	}

	var pgErr *pgconn.PgError
	if errors.As(data.Err, &pgErr) {
		fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
	}
	return fields
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// framesToSkip matches stack frames that never count as a call site.
var framesToSkip = []string{
	"github.com/jackc/pgx/v5",
	"github.com/exaring/otelpgx",
	"github.com/linnemanlabs/sift/internal/postgres.",
}

// storeHelpers are frames inside a store that issue queries on behalf of
// an exported method; they can be the caller but never the handler.
var storeHelpers = []string{
	"github.com/linnemanlabs/sift/internal/feedback/pgstore.scan",
	"github.com/linnemanlabs/sift/internal/feedback/pgstore.collect",
	"github.com/linnemanlabs/sift/internal/feedback/pgstore.(*Store).one",
}

// callSite walks the stack to find the function issuing a query and the
// first meaningful frame above it.
func callSite() (caller, handler string) {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		if fn != "" && !strings.HasPrefix(fn, "runtime.") && !hasAnyPrefix(fn, framesToSkip) {
			switch {
			case caller == "":
				caller = shortenFuncName(fn)
			case !hasAnyPrefix(fn, storeHelpers):
				return caller, shortenFuncName(fn)
			}
		}
		if !more {
			return caller, handler
		}
	}
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

// shortenFuncName drops the import path and package name, keeping the
// receiver and method.
func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	if _, rest, ok := strings.Cut(fn, "."); ok && rest != "" {
		return rest
	}
	return fn
}
