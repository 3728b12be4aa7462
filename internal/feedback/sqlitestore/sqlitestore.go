// Package sqlitestore provides a single-file SQLite implementation of
// feedback.Store and workflow.Store on top of gorm, for deployments that
// do not run PostgreSQL.
package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/linnemanlabs/sift/internal/feedback"
	"github.com/linnemanlabs/sift/internal/workflow"
)

// Store persists pipeline state in SQLite.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

var (
	_ feedback.Store = (*Store)(nil)
	_ workflow.Store = (*Store)(nil)
)

// Open creates the database file's directory if needed, opens dsn and
// migrates the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if err := ensureDir(dsn); err != nil {
		return nil, err
	}

	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)

	if err := db.WithContext(ctx).AutoMigrate(
		&feedbackRow{}, &caseRow{}, &caseFeedbackRow{}, &flagRow{},
		&editionRow{}, &instanceRow{}, &stepRow{},
	); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func ensureDir(dsn string) error {
	path := strings.TrimSpace(dsn)
	if path == "" || path == ":memory:" {
		return nil
	}
	path = strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite directory %q: %w", dir, err)
	}
	return nil
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

// InsertFeedback inserts a feedback row and returns its ID.
func (s *Store) InsertFeedback(ctx context.Context, f *feedback.Feedback) (int64, error) {
	row := feedbackRow{
		Source:    f.Source,
		Content:   f.Content,
		Timestamp: f.Timestamp.UTC(),
		CreatedAt: s.now().UTC(),
	}
	if f.UserID != "" {
		userID := f.UserID
		row.UserID = &userID
	}
	if len(f.Metadata) > 0 {
		row.Metadata = f.Metadata
	}
	if err := s.conn(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("insert feedback: %w", err)
	}
	return row.ID, nil
}

// GetFeedback retrieves a feedback item by ID.
func (s *Store) GetFeedback(ctx context.Context, id int64) (*feedback.Feedback, bool, error) {
	var row feedbackRow
	if err := s.conn(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query feedback %d: %w", id, err)
	}
	f := row.toFeedback()
	return &f, true, nil
}

// ListFeedback returns feedback ordered by timestamp, newest first.
func (s *Store) ListFeedback(ctx context.Context, opts feedback.ListOptions) ([]feedback.Feedback, error) {
	q := s.conn(ctx).Order("timestamp DESC").Order("id DESC")
	if opts.Source != "" {
		q = q.Where("source = ?", opts.Source)
	}
	switch {
	case opts.Limit > 0:
		q = q.Limit(opts.Limit)
	case opts.Offset > 0:
		// SQLite rejects OFFSET without LIMIT.
		q = q.Limit(math.MaxInt32)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	var rows []feedbackRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	return toFeedbackList(rows), nil
}

// SetSentiment records a sentiment unless one is already set.
func (s *Store) SetSentiment(ctx context.Context, id int64, sent feedback.Sentiment) (bool, error) {
	res := s.conn(ctx).Model(&feedbackRow{}).
		Where("id = ? AND sentiment_label IS NULL", id).
		Updates(map[string]any{"sentiment_label": sent.Label, "sentiment_score": sent.Score})
	if res.Error != nil {
		return false, fmt.Errorf("update sentiment %d: %w", id, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	var n int64
	if err := s.conn(ctx).Model(&feedbackRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return false, fmt.Errorf("check feedback %d: %w", id, err)
	}
	if n == 0 {
		return false, fmt.Errorf("feedback %d: %w", id, feedback.ErrNotFound)
	}
	return false, nil
}

// CreateCase inserts an open case.
func (s *Store) CreateCase(ctx context.Context, title string) (*feedback.Case, error) {
	now := s.now().UTC()
	row := caseRow{Title: title, Status: string(feedback.CaseOpen), CreatedAt: now, UpdatedAt: now}
	if err := s.conn(ctx).Create(&row).Error; err != nil {
		return nil, fmt.Errorf("insert case: %w", err)
	}
	c := row.toCase()
	return &c, nil
}

// GetCase retrieves a case by ID.
func (s *Store) GetCase(ctx context.Context, id int64) (*feedback.Case, bool, error) {
	var row caseRow
	if err := s.conn(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query case %d: %w", id, err)
	}
	c := row.toCase()
	return &c, true, nil
}

// ListCases returns cases newest first.
func (s *Store) ListCases(ctx context.Context, limit int) ([]feedback.Case, error) {
	var rows []caseRow
	if err := bounded(s.conn(ctx).Order("created_at DESC").Order("id DESC"), limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	out := make([]feedback.Case, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toCase())
	}
	return out, nil
}

// LinkFeedback associates feedback with a case. A new link bumps the
// case's updated_at; an existing one is left alone.
func (s *Store) LinkFeedback(ctx context.Context, caseID, feedbackID int64) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&caseRow{}).Where("id = ?", caseID).Count(&n).Error; err != nil {
			return fmt.Errorf("check case %d: %w", caseID, err)
		}
		if n == 0 {
			return fmt.Errorf("case %d: %w", caseID, feedback.ErrNotFound)
		}

		res := tx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&caseFeedbackRow{CaseID: caseID, FeedbackID: feedbackID})
		if res.Error != nil {
			return fmt.Errorf("link feedback %d to case %d: %w", feedbackID, caseID, res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := tx.Model(&caseRow{}).Where("id = ?", caseID).
			Update("updated_at", s.now().UTC()).Error; err != nil {
			return fmt.Errorf("touch case %d: %w", caseID, err)
		}
		return nil
	})
}

// CaseIDsForFeedback returns the cases holding a feedback item, ascending.
func (s *Store) CaseIDsForFeedback(ctx context.Context, feedbackID int64) ([]int64, error) {
	var ids []int64
	err := s.conn(ctx).Model(&caseFeedbackRow{}).
		Where("feedback_id = ?", feedbackID).
		Order("case_id").
		Pluck("case_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("query case links for %d: %w", feedbackID, err)
	}
	return ids, nil
}

// FeedbackForCase returns feedback linked to a case, newest first.
func (s *Store) FeedbackForCase(ctx context.Context, caseID int64) ([]feedback.Feedback, error) {
	var rows []feedbackRow
	err := s.conn(ctx).
		Joins("JOIN case_feedback ON case_feedback.feedback_id = feedback.id").
		Where("case_feedback.case_id = ?", caseID).
		Order("feedback.timestamp DESC").Order("feedback.id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query case %d feedback: %w", caseID, err)
	}
	return toFeedbackList(rows), nil
}

// GetFlag returns the earliest flag for a feedback item, if any.
func (s *Store) GetFlag(ctx context.Context, feedbackID int64) (*feedback.Flag, bool, error) {
	var row flagRow
	if err := s.conn(ctx).Where("feedback_id = ?", feedbackID).Order("id").Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query flag for %d: %w", feedbackID, err)
	}
	f := row.toFlag()
	return &f, true, nil
}

// InsertFlag inserts a flag row and returns its ID.
func (s *Store) InsertFlag(ctx context.Context, f *feedback.Flag) (int64, error) {
	row := flagRow{
		FeedbackID: f.FeedbackID,
		Severity:   f.Severity,
		Reason:     f.Reason,
		DetectedAt: f.DetectedAt.UTC(),
	}
	if f.DetectedAt.IsZero() {
		row.DetectedAt = s.now().UTC()
	}
	if err := s.conn(ctx).Create(&row).Error; err != nil {
		return 0, fmt.Errorf("insert flag: %w", err)
	}
	return row.ID, nil
}

// ListFlags returns flags ordered by severity, highest first.
func (s *Store) ListFlags(ctx context.Context, limit int) ([]feedback.Flag, error) {
	var rows []flagRow
	if err := bounded(s.conn(ctx).Order("severity_score DESC").Order("id"), limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	out := make([]feedback.Flag, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toFlag())
	}
	return out, nil
}

// UpsertEdition replaces the edition for a date with delete-then-insert
// in one transaction.
func (s *Store) UpsertEdition(ctx context.Context, e *feedback.Edition) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("edition_date = ?", e.Date).Delete(&editionRow{}).Error; err != nil {
			return fmt.Errorf("delete edition %s: %w", e.Date, err)
		}
		row := editionRow{Date: e.Date, Content: e.Content, CreatedAt: s.now().UTC()}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert edition %s: %w", e.Date, err)
		}
		return nil
	})
}

// GetEdition returns the edition for a date.
func (s *Store) GetEdition(ctx context.Context, date string) (*feedback.Edition, bool, error) {
	return s.takeEdition(s.conn(ctx).Where("edition_date = ?", date))
}

// LatestEdition returns the edition with the most recent date.
func (s *Store) LatestEdition(ctx context.Context) (*feedback.Edition, bool, error) {
	return s.takeEdition(s.conn(ctx).Order("edition_date DESC"))
}

func (s *Store) takeEdition(q *gorm.DB) (*feedback.Edition, bool, error) {
	var row editionRow
	if err := q.Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query edition: %w", err)
	}
	e := row.toEdition()
	return &e, true, nil
}

// ListEditions returns editions, most recent date first.
func (s *Store) ListEditions(ctx context.Context, limit int) ([]feedback.Edition, error) {
	var rows []editionRow
	if err := bounded(s.conn(ctx).Order("edition_date DESC"), limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list editions: %w", err)
	}
	out := make([]feedback.Edition, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toEdition())
	}
	return out, nil
}

// CreateInstance inserts inst unless its ID already exists.
func (s *Store) CreateInstance(ctx context.Context, inst *workflow.Instance) (*workflow.Instance, bool, error) {
	row := newInstanceRow(inst)
	res := s.conn(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return nil, false, fmt.Errorf("insert instance %s: %w", inst.ID, res.Error)
	}

	stored, ok, err := s.GetInstance(ctx, inst.ID)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, fmt.Errorf("instance %s vanished after insert", inst.ID)
	}
	return stored, res.RowsAffected == 1, nil
}

// GetInstance retrieves a workflow instance.
func (s *Store) GetInstance(ctx context.Context, id string) (*workflow.Instance, bool, error) {
	var row instanceRow
	if err := s.conn(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query instance %s: %w", id, err)
	}
	inst := row.toInstance()
	return &inst, true, nil
}

// UpdateInstance overwrites the mutable fields of an instance.
func (s *Store) UpdateInstance(ctx context.Context, inst *workflow.Instance) error {
	res := s.conn(ctx).Model(&instanceRow{}).Where("id = ?", inst.ID).Updates(map[string]any{
		"status":       string(inst.Status),
		"current_step": inst.CurrentStep,
		"output":       []byte(inst.Output),
		"error":        inst.Error,
		"updated_at":   inst.UpdatedAt.UTC(),
	})
	if res.Error != nil {
		return fmt.Errorf("update instance %s: %w", inst.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", workflow.ErrNotFound, inst.ID)
	}
	return nil
}

// ListInstances returns instances in a status, oldest first.
func (s *Store) ListInstances(ctx context.Context, status workflow.Status, limit int) ([]workflow.Instance, error) {
	var rows []instanceRow
	q := s.conn(ctx).Where("status = ?", string(status)).Order("created_at").Order("id")
	if err := bounded(q, limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	out := make([]workflow.Instance, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toInstance())
	}
	return out, nil
}

// GetStep returns the checkpoint for one step.
func (s *Store) GetStep(ctx context.Context, instanceID, name string) (*workflow.StepRecord, bool, error) {
	var row stepRow
	if err := s.conn(ctx).Where("instance_id = ? AND name = ?", instanceID, name).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query step %s/%s: %w", instanceID, name, err)
	}
	rec := row.toStep()
	return &rec, true, nil
}

// PutStep upserts a checkpoint.
func (s *Store) PutStep(ctx context.Context, rec *workflow.StepRecord) error {
	row := stepRow{
		InstanceID: rec.InstanceID,
		Name:       rec.Name,
		Status:     string(rec.Status),
		Attempts:   rec.Attempts,
		Output:     rec.Output,
		Error:      rec.Error,
		UpdatedAt:  rec.UpdatedAt.UTC(),
	}
	err := s.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "instance_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "attempts", "output", "error", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("upsert step %s/%s: %w", rec.InstanceID, rec.Name, err)
	}
	return nil
}

// ListSteps returns the checkpoints of an instance in update order.
func (s *Store) ListSteps(ctx context.Context, instanceID string) ([]workflow.StepRecord, error) {
	var rows []stepRow
	if err := s.conn(ctx).Where("instance_id = ?", instanceID).Order("updated_at").Order("name").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list steps for %s: %w", instanceID, err)
	}
	out := make([]workflow.StepRecord, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toStep())
	}
	return out, nil
}

// bounded applies limit when positive.
func bounded(q *gorm.DB, limit int) *gorm.DB {
	if limit > 0 {
		return q.Limit(limit)
	}
	return q
}

func toFeedbackList(rows []feedbackRow) []feedback.Feedback {
	out := make([]feedback.Feedback, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toFeedback())
	}
	return out
}
