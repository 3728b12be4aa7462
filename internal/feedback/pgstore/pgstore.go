// Package pgstore provides a PostgreSQL implementation of feedback.Store
// and workflow.Store.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/sift/internal/feedback"
	"github.com/linnemanlabs/sift/internal/workflow"
)

var tracer = otel.Tracer("github.com/linnemanlabs/sift/internal/feedback/pgstore")

//go:embed schema.sql
var schema string

// Store persists pipeline state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ feedback.Store = (*Store)(nil)
	_ workflow.Store = (*Store)(nil)
)

// New applies the schema on pool and returns a ready Store. The caller
// owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

// fail marks the span as errored and passes err through.
func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

const feedbackColumns = `id, source, content, timestamp, user_id, metadata,
	sentiment_label, sentiment_score, created_at`

// InsertFeedback inserts a feedback row and returns its ID.
func (s *Store) InsertFeedback(ctx context.Context, f *feedback.Feedback) (int64, error) {
	ctx, span := startSpan(ctx, "pgstore.InsertFeedback", "INSERT")
	defer span.End()

	var userID *string
	if f.UserID != "" {
		userID = &f.UserID
	}
	var metadata []byte
	if len(f.Metadata) > 0 {
		metadata = f.Metadata
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO feedback (source, content, timestamp, user_id, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id`,
		f.Source, f.Content, f.Timestamp, userID, metadata,
	).Scan(&id)
	if err != nil {
		return 0, fail(span, fmt.Errorf("insert feedback: %w", err))
	}
	return id, nil
}

// GetFeedback retrieves a feedback item by ID.
func (s *Store) GetFeedback(ctx context.Context, id int64) (*feedback.Feedback, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetFeedback", "SELECT")
	defer span.End()

	f, err := scanFeedback(s.pool.QueryRow(ctx, `SELECT `+feedbackColumns+` FROM feedback WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	if f == nil {
		return nil, false, nil
	}
	return f, true, nil
}

// ListFeedback returns feedback ordered by timestamp, newest first.
func (s *Store) ListFeedback(ctx context.Context, opts feedback.ListOptions) ([]feedback.Feedback, error) {
	ctx, span := startSpan(ctx, "pgstore.ListFeedback", "SELECT")
	defer span.End()

	var limit *int
	if opts.Limit > 0 {
		limit = &opts.Limit
	}
	var source *string
	if opts.Source != "" {
		source = &opts.Source
	}

	rows, err := s.pool.Query(ctx,
		`SELECT `+feedbackColumns+` FROM feedback
		 WHERE ($1::text IS NULL OR source = $1)
		 ORDER BY timestamp DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		source, limit, opts.Offset,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query feedback: %w", err))
	}
	out, err := collectFeedback(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

// SetSentiment records a sentiment unless one is already set.
func (s *Store) SetSentiment(ctx context.Context, id int64, sent feedback.Sentiment) (bool, error) {
	ctx, span := startSpan(ctx, "pgstore.SetSentiment", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE feedback SET sentiment_label = $2, sentiment_score = $3
		 WHERE id = $1 AND sentiment_label IS NULL`,
		id, sent.Label, sent.Score,
	)
	if err != nil {
		return false, fail(span, fmt.Errorf("update sentiment: %w", err))
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM feedback WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fail(span, fmt.Errorf("check feedback: %w", err))
	}
	if !exists {
		return false, fmt.Errorf("feedback %d: %w", id, feedback.ErrNotFound)
	}
	return false, nil
}

const caseColumns = `id, title, status, created_at, updated_at`

// CreateCase inserts an open case.
func (s *Store) CreateCase(ctx context.Context, title string) (*feedback.Case, error) {
	ctx, span := startSpan(ctx, "pgstore.CreateCase", "INSERT")
	defer span.End()

	c, err := scanCase(s.pool.QueryRow(ctx,
		`INSERT INTO cases (title, status) VALUES ($1, $2) RETURNING `+caseColumns,
		title, string(feedback.CaseOpen),
	))
	if err != nil {
		return nil, fail(span, fmt.Errorf("insert case: %w", err))
	}
	return c, nil
}

// GetCase retrieves a case by ID.
func (s *Store) GetCase(ctx context.Context, id int64) (*feedback.Case, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetCase", "SELECT")
	defer span.End()

	c, err := scanCase(s.pool.QueryRow(ctx, `SELECT `+caseColumns+` FROM cases WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("select case: %w", err))
	}
	return c, true, nil
}

// ListCases returns cases newest first.
func (s *Store) ListCases(ctx context.Context, limit int) ([]feedback.Case, error) {
	ctx, span := startSpan(ctx, "pgstore.ListCases", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+caseColumns+` FROM cases ORDER BY created_at DESC, id DESC LIMIT $1`,
		nullableLimit(limit),
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query cases: %w", err))
	}
	defer rows.Close()

	var out []feedback.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, fail(span, fmt.Errorf("scan case: %w", err))
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate cases: %w", err))
	}
	return out, nil
}

// LinkFeedback inserts the link if absent and bumps the case's updated_at
// only when a row was added, in one statement.
func (s *Store) LinkFeedback(ctx context.Context, caseID, feedbackID int64) error {
	ctx, span := startSpan(ctx, "pgstore.LinkFeedback", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`WITH ins AS (
			INSERT INTO case_feedback (case_id, feedback_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING
			RETURNING case_id
		)
		UPDATE cases SET updated_at = now() WHERE id IN (SELECT case_id FROM ins)`,
		caseID, feedbackID,
	)
	if err != nil {
		return fail(span, fmt.Errorf("link feedback %d to case %d: %w", feedbackID, caseID, err))
	}
	return nil
}

// CaseIDsForFeedback returns the cases holding a feedback item, ascending.
func (s *Store) CaseIDsForFeedback(ctx context.Context, feedbackID int64) ([]int64, error) {
	ctx, span := startSpan(ctx, "pgstore.CaseIDsForFeedback", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT case_id FROM case_feedback WHERE feedback_id = $1 ORDER BY case_id`,
		feedbackID,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query case links: %w", err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fail(span, fmt.Errorf("collect case links: %w", err))
	}
	return ids, nil
}

// FeedbackForCase returns feedback linked to a case, newest first.
func (s *Store) FeedbackForCase(ctx context.Context, caseID int64) ([]feedback.Feedback, error) {
	ctx, span := startSpan(ctx, "pgstore.FeedbackForCase", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT f.id, f.source, f.content, f.timestamp, f.user_id, f.metadata,
			f.sentiment_label, f.sentiment_score, f.created_at
		 FROM feedback f
		 JOIN case_feedback cf ON cf.feedback_id = f.id
		 WHERE cf.case_id = $1
		 ORDER BY f.timestamp DESC, f.id DESC`,
		caseID,
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query case feedback: %w", err))
	}
	out, err := collectFeedback(rows)
	if err != nil {
		return nil, fail(span, err)
	}
	return out, nil
}

const flagColumns = `id, feedback_id, severity_score, reason, detected_at`

// GetFlag returns the earliest flag for a feedback item, if any.
func (s *Store) GetFlag(ctx context.Context, feedbackID int64) (*feedback.Flag, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetFlag", "SELECT")
	defer span.End()

	var f feedback.Flag
	err := s.pool.QueryRow(ctx,
		`SELECT `+flagColumns+` FROM under_radar_flags WHERE feedback_id = $1 ORDER BY id LIMIT 1`,
		feedbackID,
	).Scan(&f.ID, &f.FeedbackID, &f.Severity, &f.Reason, &f.DetectedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("select flag: %w", err))
	}
	return &f, true, nil
}

// InsertFlag inserts a flag row and returns its ID.
func (s *Store) InsertFlag(ctx context.Context, f *feedback.Flag) (int64, error) {
	ctx, span := startSpan(ctx, "pgstore.InsertFlag", "INSERT")
	defer span.End()

	detectedAt := f.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now()
	}

	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO under_radar_flags (feedback_id, severity_score, reason, detected_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		f.FeedbackID, f.Severity, f.Reason, detectedAt,
	).Scan(&id)
	if err != nil {
		return 0, fail(span, fmt.Errorf("insert flag: %w", err))
	}
	return id, nil
}

// ListFlags returns flags ordered by severity, highest first.
func (s *Store) ListFlags(ctx context.Context, limit int) ([]feedback.Flag, error) {
	ctx, span := startSpan(ctx, "pgstore.ListFlags", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+flagColumns+` FROM under_radar_flags
		 ORDER BY severity_score DESC, id LIMIT $1`,
		nullableLimit(limit),
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query flags: %w", err))
	}
	defer rows.Close()

	var out []feedback.Flag
	for rows.Next() {
		var f feedback.Flag
		if err := rows.Scan(&f.ID, &f.FeedbackID, &f.Severity, &f.Reason, &f.DetectedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan flag: %w", err))
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate flags: %w", err))
	}
	return out, nil
}

// UpsertEdition replaces the edition for a date with delete-then-insert
// in one transaction.
func (s *Store) UpsertEdition(ctx context.Context, e *feedback.Edition) error {
	ctx, span := startSpan(ctx, "pgstore.UpsertEdition", "UPSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	if _, err := tx.Exec(ctx, `DELETE FROM daily_editions WHERE edition_date = $1`, e.Date); err != nil {
		return fail(span, fmt.Errorf("delete edition %s: %w", e.Date, err))
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO daily_editions (edition_date, content) VALUES ($1, $2)`,
		e.Date, e.Content,
	); err != nil {
		return fail(span, fmt.Errorf("insert edition %s: %w", e.Date, err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fail(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

const editionColumns = `id, edition_date, content, created_at`

// GetEdition returns the edition for a date.
func (s *Store) GetEdition(ctx context.Context, date string) (*feedback.Edition, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetEdition", "SELECT")
	defer span.End()

	return s.oneEdition(ctx, span,
		`SELECT `+editionColumns+` FROM daily_editions WHERE edition_date = $1`, date)
}

// LatestEdition returns the edition with the most recent date.
func (s *Store) LatestEdition(ctx context.Context) (*feedback.Edition, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.LatestEdition", "SELECT")
	defer span.End()

	return s.oneEdition(ctx, span,
		`SELECT `+editionColumns+` FROM daily_editions ORDER BY edition_date DESC LIMIT 1`)
}

func (s *Store) oneEdition(ctx context.Context, span trace.Span, query string, args ...any) (*feedback.Edition, bool, error) {
	var e feedback.Edition
	err := s.pool.QueryRow(ctx, query, args...).Scan(&e.ID, &e.Date, &e.Content, &e.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fail(span, fmt.Errorf("select edition: %w", err))
	}
	return &e, true, nil
}

// ListEditions returns editions, most recent date first.
func (s *Store) ListEditions(ctx context.Context, limit int) ([]feedback.Edition, error) {
	ctx, span := startSpan(ctx, "pgstore.ListEditions", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+editionColumns+` FROM daily_editions ORDER BY edition_date DESC LIMIT $1`,
		nullableLimit(limit),
	)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query editions: %w", err))
	}
	defer rows.Close()

	var out []feedback.Edition
	for rows.Next() {
		var e feedback.Edition
		if err := rows.Scan(&e.ID, &e.Date, &e.Content, &e.CreatedAt); err != nil {
			return nil, fail(span, fmt.Errorf("scan edition: %w", err))
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate editions: %w", err))
	}
	return out, nil
}

// scanFeedback scans a single row into a Feedback. Returns (nil, nil) when
// no row is found.
func scanFeedback(row pgx.Row) (*feedback.Feedback, error) {
	f, err := scanFeedbackRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan feedback: %w", err)
	}
	return f, nil
}

func scanFeedbackRow(row pgx.Row) (*feedback.Feedback, error) {
	var (
		f        feedback.Feedback
		userID   *string
		metadata []byte
		label    *string
	)
	if err := row.Scan(&f.ID, &f.Source, &f.Content, &f.Timestamp, &userID, &metadata,
		&label, &f.SentimentScore, &f.CreatedAt); err != nil {
		return nil, err
	}
	if userID != nil {
		f.UserID = *userID
	}
	if len(metadata) > 0 {
		f.Metadata = metadata
	}
	if label != nil {
		f.SentimentLabel = *label
	}
	return &f, nil
}

func collectFeedback(rows pgx.Rows) ([]feedback.Feedback, error) {
	defer rows.Close()
	var out []feedback.Feedback
	for rows.Next() {
		f, err := scanFeedbackRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan feedback: %w", err)
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feedback: %w", err)
	}
	return out, nil
}

func scanCase(row pgx.Row) (*feedback.Case, error) {
	var (
		c      feedback.Case
		status string
	)
	if err := row.Scan(&c.ID, &c.Title, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = feedback.CaseStatus(status)
	return &c, nil
}

// nullableLimit maps a non-positive limit to SQL NULL, which LIMIT treats
// as unbounded.
func nullableLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
