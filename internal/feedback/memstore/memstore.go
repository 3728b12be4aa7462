// Package memstore provides an in-memory implementation of feedback.Store
// and workflow.Store. Suitable for dev/testing.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/linnemanlabs/sift/internal/feedback"
	"github.com/linnemanlabs/sift/internal/workflow"
)

type link struct {
	caseID     int64
	feedbackID int64
}

// Store holds pipeline state in memory. Every method returns copies.
type Store struct {
	mu  sync.RWMutex
	now func() time.Time

	feedback map[int64]*feedback.Feedback
	cases    map[int64]*feedback.Case
	links    map[link]struct{}
	flags    map[int64]*feedback.Flag // flag ID -> flag
	editions map[string]*feedback.Edition

	instances map[string]*workflow.Instance
	steps     map[string]*workflow.StepRecord // instanceID/step -> record

	nextFeedback int64
	nextCase     int64
	nextFlag     int64
	nextEdition  int64
}

// New initializes a new in-memory Store.
func New() *Store {
	return &Store{
		now:       time.Now,
		feedback:  make(map[int64]*feedback.Feedback),
		cases:     make(map[int64]*feedback.Case),
		links:     make(map[link]struct{}),
		flags:     make(map[int64]*feedback.Flag),
		editions:  make(map[string]*feedback.Edition),
		instances: make(map[string]*workflow.Instance),
		steps:     make(map[string]*workflow.StepRecord),
	}
}

var (
	_ feedback.Store = (*Store)(nil)
	_ workflow.Store = (*Store)(nil)
)

// InsertFeedback stores a copy of f and returns its new ID.
func (s *Store) InsertFeedback(_ context.Context, f *feedback.Feedback) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFeedback++
	cp := *f
	cp.ID = s.nextFeedback
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.feedback[cp.ID] = &cp
	return cp.ID, nil
}

// GetFeedback retrieves a feedback item by ID. Returns a copy.
func (s *Store) GetFeedback(_ context.Context, id int64) (*feedback.Feedback, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.feedback[id]
	if !ok {
		return nil, false, nil
	}
	cp := *f
	return &cp, true, nil
}

// ListFeedback returns feedback ordered by timestamp, newest first.
func (s *Store) ListFeedback(_ context.Context, opts feedback.ListOptions) ([]feedback.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]feedback.Feedback, 0, len(s.feedback))
	for _, f := range s.feedback {
		if opts.Source != "" && f.Source != opts.Source {
			continue
		}
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, opts.Offset, opts.Limit), nil
}

// SetSentiment records a sentiment unless one is already set.
func (s *Store) SetSentiment(_ context.Context, id int64, sent feedback.Sentiment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feedback[id]
	if !ok {
		return false, feedback.ErrNotFound
	}
	if f.HasSentiment() {
		return false, nil
	}
	score := sent.Score
	f.SentimentLabel = sent.Label
	f.SentimentScore = &score
	return true, nil
}

// CreateCase creates an open case.
func (s *Store) CreateCase(_ context.Context, title string) (*feedback.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextCase++
	now := s.now()
	c := &feedback.Case{ID: s.nextCase, Title: title, Status: feedback.CaseOpen, CreatedAt: now, UpdatedAt: now}
	s.cases[c.ID] = c
	cp := *c
	return &cp, nil
}

// GetCase retrieves a case by ID. Returns a copy.
func (s *Store) GetCase(_ context.Context, id int64) (*feedback.Case, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cases[id]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

// ListCases returns cases newest first.
func (s *Store) ListCases(_ context.Context, limit int) ([]feedback.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]feedback.Case, 0, len(s.cases))
	for _, c := range s.cases {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, 0, limit), nil
}

// LinkFeedback associates feedback with a case; existing links are left alone.
func (s *Store) LinkFeedback(_ context.Context, caseID, feedbackID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[caseID]
	if !ok {
		return feedback.ErrNotFound
	}
	k := link{caseID: caseID, feedbackID: feedbackID}
	if _, exists := s.links[k]; exists {
		return nil
	}
	s.links[k] = struct{}{}
	c.UpdatedAt = s.now()
	return nil
}

// CaseIDsForFeedback returns the cases holding a feedback item, ascending.
func (s *Store) CaseIDsForFeedback(_ context.Context, feedbackID int64) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for k := range s.links {
		if k.feedbackID == feedbackID {
			ids = append(ids, k.caseID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// FeedbackForCase returns the feedback linked to a case, newest first.
// Links to feedback ids that were never stored are skipped.
func (s *Store) FeedbackForCase(_ context.Context, caseID int64) ([]feedback.Feedback, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []feedback.Feedback
	for k := range s.links {
		if k.caseID != caseID {
			continue
		}
		if f, ok := s.feedback[k.feedbackID]; ok {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.After(out[j].Timestamp)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// GetFlag returns the flag for a feedback item, if any.
func (s *Store) GetFlag(_ context.Context, feedbackID int64) (*feedback.Flag, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, f := range s.flags {
		if f.FeedbackID == feedbackID {
			cp := *f
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

// InsertFlag stores a new flag. Uniqueness per feedback id is the caller's
// responsibility.
func (s *Store) InsertFlag(_ context.Context, f *feedback.Flag) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextFlag++
	cp := *f
	cp.ID = s.nextFlag
	if cp.DetectedAt.IsZero() {
		cp.DetectedAt = s.now()
	}
	s.flags[cp.ID] = &cp
	return cp.ID, nil
}

// ListFlags returns flags ordered by severity, highest first.
func (s *Store) ListFlags(_ context.Context, limit int) ([]feedback.Flag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]feedback.Flag, 0, len(s.flags))
	for _, f := range s.flags {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity > out[j].Severity
		}
		return out[i].ID < out[j].ID
	})
	return page(out, 0, limit), nil
}

// UpsertEdition replaces any edition with the same date.
func (s *Store) UpsertEdition(_ context.Context, e *feedback.Edition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEdition++
	cp := *e
	cp.ID = s.nextEdition
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.editions[cp.Date] = &cp
	return nil
}

// GetEdition returns the edition for a date.
func (s *Store) GetEdition(_ context.Context, date string) (*feedback.Edition, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.editions[date]
	if !ok {
		return nil, false, nil
	}
	cp := *e
	return &cp, true, nil
}

// LatestEdition returns the edition with the most recent date.
func (s *Store) LatestEdition(ctx context.Context) (*feedback.Edition, bool, error) {
	list, _ := s.ListEditions(ctx, 1)
	if len(list) == 0 {
		return nil, false, nil
	}
	return &list[0], true, nil
}

// ListEditions returns editions, most recent date first.
func (s *Store) ListEditions(_ context.Context, limit int) ([]feedback.Edition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]feedback.Edition, 0, len(s.editions))
	for _, e := range s.editions {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date > out[j].Date })
	return page(out, 0, limit), nil
}

// CreateInstance inserts inst unless its ID already exists.
func (s *Store) CreateInstance(_ context.Context, inst *workflow.Instance) (*workflow.Instance, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.instances[inst.ID]; ok {
		cp := *existing
		return &cp, false, nil
	}
	cp := *inst
	s.instances[inst.ID] = &cp
	out := cp
	return &out, true, nil
}

// GetInstance retrieves a workflow instance. Returns a copy.
func (s *Store) GetInstance(_ context.Context, id string) (*workflow.Instance, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, false, nil
	}
	cp := *inst
	return &cp, true, nil
}

// UpdateInstance stores a copy of inst.
func (s *Store) UpdateInstance(_ context.Context, inst *workflow.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return workflow.ErrNotFound
	}
	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

// ListInstances returns instances in a status, oldest first.
func (s *Store) ListInstances(_ context.Context, status workflow.Status, limit int) ([]workflow.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []workflow.Instance
	for _, inst := range s.instances {
		if inst.Status == status {
			out = append(out, *inst)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, 0, limit), nil
}

// GetStep returns the checkpoint for one step.
func (s *Store) GetStep(_ context.Context, instanceID, name string) (*workflow.StepRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.steps[instanceID+"/"+name]
	if !ok {
		return nil, false, nil
	}
	cp := *rec
	return &cp, true, nil
}

// PutStep inserts or replaces a checkpoint.
func (s *Store) PutStep(_ context.Context, rec *workflow.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.steps[rec.InstanceID+"/"+rec.Name] = &cp
	return nil
}

// ListSteps returns the checkpoints of an instance ordered by update time.
func (s *Store) ListSteps(_ context.Context, instanceID string) ([]workflow.StepRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []workflow.StepRecord
	for _, rec := range s.steps {
		if rec.InstanceID == instanceID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// page applies offset and limit; limit <= 0 means no limit.
func page[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
