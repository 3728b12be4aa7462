// Package pipeline is the business boundary of the triage service. It
// ingests feedback, owns the two workflow definitions (per-feedback triage
// and the daily edition), and exposes classification, batch detection and
// case management to the API.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sift/internal/cluster"
	"github.com/linnemanlabs/sift/internal/edition"
	"github.com/linnemanlabs/sift/internal/feedback"
	"github.com/linnemanlabs/sift/internal/search"
	"github.com/linnemanlabs/sift/internal/triage"
	"github.com/linnemanlabs/sift/internal/workflow"
)

// DefaultCollaboratorTimeout bounds a single sentiment or summarizer call.
const DefaultCollaboratorTimeout = 30 * time.Second

// SentimentAnalyzer labels the sentiment of feedback content.
type SentimentAnalyzer interface {
	AnalyzeSentiment(ctx context.Context, content string) (feedback.Sentiment, error)
}

// Summarizer writes the daily edition.
type Summarizer interface {
	SummarizeEdition(ctx context.Context, in *edition.Input) (edition.Content, error)
}

// Deps are the collaborators a Service is built from. All are required.
type Deps struct {
	Store      feedback.Store
	Runner     *workflow.Runner
	Classifier *triage.Classifier
	Batch      *triage.BatchDetector
	Clusterer  *cluster.Clusterer
	Searcher   search.Searcher
	Sentiment  SentimentAnalyzer
	Summarizer Summarizer
}

// Hooks receives service events, typically to record metrics. Nil
// callbacks are skipped.
type Hooks struct {
	OnIngest   func(source string)
	OnFallback func(collaborator string)
}

// Option configures a Service.
type Option func(*Service)

// WithCollaboratorTimeout overrides DefaultCollaboratorTimeout.
// Non-positive values are ignored.
func WithCollaboratorTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithHooks installs service hooks.
func WithHooks(h Hooks) Option {
	return func(s *Service) { s.hooks = h }
}

// WithClock overrides the time source used for edition dates.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service wires storage, search, classification, clustering and the
// workflow runner together.
type Service struct {
	store      feedback.Store
	runner     *workflow.Runner
	classifier *triage.Classifier
	batch      *triage.BatchDetector
	clusterer  *cluster.Clusterer
	searcher   search.Searcher
	sentiment  SentimentAnalyzer
	summarizer Summarizer
	logger     log.Logger
	hooks      Hooks
	timeout    time.Duration
	now        func() time.Time
}

// NewService creates a Service and registers its workflow definitions on
// d.Runner.
func NewService(d Deps, logger log.Logger, opts ...Option) *Service {
	switch {
	case d.Store == nil:
		panic(xerrors.New("feedback store is required"))
	case d.Runner == nil:
		panic(xerrors.New("workflow runner is required"))
	case d.Classifier == nil || d.Batch == nil:
		panic(xerrors.New("classifier and batch detector are required"))
	case d.Clusterer == nil:
		panic(xerrors.New("clusterer is required"))
	case d.Searcher == nil:
		panic(xerrors.New("searcher is required"))
	case d.Sentiment == nil || d.Summarizer == nil:
		panic(xerrors.New("sentiment analyzer and summarizer are required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		store:      d.Store,
		runner:     d.Runner,
		classifier: d.Classifier,
		batch:      d.Batch,
		clusterer:  d.Clusterer,
		searcher:   d.Searcher,
		sentiment:  d.Sentiment,
		summarizer: d.Summarizer,
		logger:     logger,
		timeout:    DefaultCollaboratorTimeout,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.runner.Register(s.feedbackDefinition())
	s.runner.Register(s.editionDefinition())
	return s
}

// IngestResult is the outcome of accepting one feedback item.
type IngestResult struct {
	Feedback *feedback.Feedback `json:"feedback"`
	Workflow *workflow.Instance `json:"workflow"`
}

// Ingest validates and stores f, indexes it for similarity search and
// starts its triage workflow.
func (s *Service) Ingest(ctx context.Context, f *feedback.Feedback) (*IngestResult, error) {
	if err := validateFeedback(f); err != nil {
		return nil, err
	}
	in := *f
	in.ID = 0
	in.SentimentLabel = ""
	in.SentimentScore = nil
	in.CreatedAt = time.Time{}

	id, err := s.store.InsertFeedback(ctx, &in)
	if err != nil {
		return nil, fmt.Errorf("insert feedback: %w", err)
	}
	stored, ok, err := s.store.GetFeedback(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get feedback %d: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("feedback %d: %w", id, feedback.ErrNotFound)
	}

	if err := s.searcher.Index(ctx, strconv.FormatInt(id, 10), stored.Content, map[string]string{"source": stored.Source}); err != nil {
		s.logger.Warn(ctx, "feedback not indexed", "feedback_id", id, "err", err)
	}
	if s.hooks.OnIngest != nil {
		s.hooks.OnIngest(stored.Source)
	}

	inst, _, err := s.runner.Create(ctx, TypeFeedback, FeedbackKey(id), FeedbackParams{FeedbackID: id})
	if err != nil {
		return nil, fmt.Errorf("start workflow for %d: %w", id, err)
	}
	s.logger.Info(ctx, "feedback ingested", "feedback_id", id, "source", stored.Source, "instance_id", inst.ID)
	return &IngestResult{Feedback: stored, Workflow: inst}, nil
}

func validateFeedback(f *feedback.Feedback) error {
	if f == nil {
		return feedback.Invalid("body", "is required")
	}
	var errs []error
	if strings.TrimSpace(f.Source) == "" {
		errs = append(errs, feedback.Invalid("source", "is required"))
	}
	if strings.TrimSpace(f.Content) == "" {
		errs = append(errs, feedback.Invalid("content", "is required"))
	}
	if f.Timestamp.IsZero() {
		errs = append(errs, feedback.Invalid("timestamp", "is required"))
	}
	if len(f.Metadata) > 0 && string(f.Metadata) != "null" {
		var obj map[string]any
		if err := json.Unmarshal(f.Metadata, &obj); err != nil {
			errs = append(errs, feedback.Invalid("metadata", "must be a JSON object"))
		}
	}
	return errors.Join(errs...)
}

// ResubmitFeedback creates the triage workflow for an existing item. An
// existing instance is returned with created=false.
func (s *Service) ResubmitFeedback(ctx context.Context, id int64) (*workflow.Instance, bool, error) {
	if _, err := s.GetFeedback(ctx, id); err != nil {
		return nil, false, err
	}
	return s.runner.Create(ctx, TypeFeedback, FeedbackKey(id), FeedbackParams{FeedbackID: id})
}

// Classify runs the under-radar classifier on one stored item.
func (s *Service) Classify(ctx context.Context, id int64) (*triage.Outcome, error) {
	f, err := s.GetFeedback(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.classifier.Classify(ctx, f)
}

// RunBatchDetection sweeps recent feedback through the classifier and
// returns how many items were newly flagged.
func (s *Service) RunBatchDetection(ctx context.Context) (int, error) {
	return s.batch.Run(ctx)
}

// CreateCaseRequest describes a manually created case.
type CreateCaseRequest struct {
	Title          string  `json:"title"`
	FeedbackIDs    []int64 `json:"feedbackIds"`
	IncludeSimilar bool    `json:"includeSimilar"`
	SimilarLimit   int     `json:"similarLimit"`
}

// CreateCase creates a case holding the given feedback. With
// IncludeSimilar and exactly one id, the case is expanded from that seed
// with its nearest neighbors.
func (s *Service) CreateCase(ctx context.Context, req CreateCaseRequest) (*feedback.Case, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, feedback.Invalid("title", "is required")
	}

	if req.IncludeSimilar && len(req.FeedbackIDs) == 1 {
		att, err := s.clusterer.ExpandFromSeed(ctx, req.FeedbackIDs[0], title, req.SimilarLimit)
		if err != nil {
			return nil, err
		}
		return s.mustCase(ctx, att.CaseID)
	}

	c, err := s.store.CreateCase(ctx, title)
	if err != nil {
		return nil, fmt.Errorf("create case: %w", err)
	}
	for _, id := range req.FeedbackIDs {
		if id <= 0 {
			continue
		}
		if err := s.store.LinkFeedback(ctx, c.ID, id); err != nil {
			return nil, fmt.Errorf("link %d to case %d: %w", id, c.ID, err)
		}
	}
	return s.mustCase(ctx, c.ID)
}

func (s *Service) mustCase(ctx context.Context, id int64) (*feedback.Case, error) {
	c, ok, err := s.store.GetCase(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get case %d: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("case %d: %w", id, feedback.ErrNotFound)
	}
	return c, nil
}

// Today is the current edition date in UTC.
func (s *Service) Today() string {
	return s.now().UTC().Format(feedback.EditionDateLayout)
}

// StartDailyEdition creates the scheduled edition workflow for date. It is
// idempotent per date.
func (s *Service) StartDailyEdition(ctx context.Context, date string) (*workflow.Instance, bool, error) {
	if _, err := time.Parse(feedback.EditionDateLayout, date); err != nil {
		return nil, false, feedback.Invalid("date", "must be YYYY-MM-DD")
	}
	return s.runner.Create(ctx, TypeDailyEdition, DailyKey(date), EditionParams{Date: date})
}

// RegenerateEdition starts a fresh edition workflow for today under a
// unique key, replacing today's edition when it completes.
func (s *Service) RegenerateEdition(ctx context.Context) (*workflow.Instance, error) {
	date := s.Today()
	id := DailyKey(date) + "-" + ulid.Make().String()
	inst, _, err := s.runner.Create(ctx, TypeDailyEdition, id, EditionParams{Date: date})
	return inst, err
}

// RunScheduled is the periodic trigger: a batch detection sweep followed by
// today's edition workflow. A failed sweep does not prevent the edition.
func (s *Service) RunScheduled(ctx context.Context) error {
	flagged, batchErr := s.RunBatchDetection(ctx)
	if batchErr != nil {
		s.logger.Error(ctx, batchErr, "scheduled batch detection failed", "flagged", flagged)
	} else {
		s.logger.Info(ctx, "scheduled batch detection complete", "flagged", flagged)
	}

	inst, created, err := s.StartDailyEdition(ctx, s.Today())
	if err != nil {
		return errors.Join(batchErr, fmt.Errorf("start daily edition: %w", err))
	}
	if created {
		s.logger.Info(ctx, "daily edition started", "instance_id", inst.ID)
	}
	return batchErr
}

// GetFeedback returns one item or feedback.ErrNotFound.
func (s *Service) GetFeedback(ctx context.Context, id int64) (*feedback.Feedback, error) {
	f, ok, err := s.store.GetFeedback(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get feedback %d: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("feedback %d: %w", id, feedback.ErrNotFound)
	}
	return f, nil
}

// ListFeedback returns stored feedback, newest first.
func (s *Service) ListFeedback(ctx context.Context, opts feedback.ListOptions) ([]feedback.Feedback, error) {
	return s.store.ListFeedback(ctx, opts)
}

// ListFlags returns flags, most severe first.
func (s *Service) ListFlags(ctx context.Context, limit int) ([]feedback.Flag, error) {
	return s.store.ListFlags(ctx, limit)
}

// ListCases returns cases, newest first.
func (s *Service) ListCases(ctx context.Context, limit int) ([]feedback.Case, error) {
	return s.store.ListCases(ctx, limit)
}

// CaseDetail is a case with its linked feedback.
type CaseDetail struct {
	feedback.Case
	Feedback []feedback.Feedback `json:"feedback"`
}

// GetCase returns a case with its feedback or feedback.ErrNotFound.
func (s *Service) GetCase(ctx context.Context, id int64) (*CaseDetail, error) {
	c, err := s.mustCase(ctx, id)
	if err != nil {
		return nil, err
	}
	items, err := s.store.FeedbackForCase(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("feedback for case %d: %w", id, err)
	}
	if items == nil {
		items = []feedback.Feedback{}
	}
	return &CaseDetail{Case: *c, Feedback: items}, nil
}

// GetEdition returns the edition for date or feedback.ErrNotFound.
func (s *Service) GetEdition(ctx context.Context, date string) (*feedback.Edition, error) {
	e, ok, err := s.store.GetEdition(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("get edition %s: %w", date, err)
	}
	if !ok {
		return nil, fmt.Errorf("edition %s: %w", date, feedback.ErrNotFound)
	}
	return e, nil
}

// LatestEdition returns the most recent edition or feedback.ErrNotFound.
func (s *Service) LatestEdition(ctx context.Context) (*feedback.Edition, error) {
	e, ok, err := s.store.LatestEdition(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest edition: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("latest edition: %w", feedback.ErrNotFound)
	}
	return e, nil
}

// ListEditions returns editions, most recent first.
func (s *Service) ListEditions(ctx context.Context, limit int) ([]feedback.Edition, error) {
	return s.store.ListEditions(ctx, limit)
}

// WorkflowDetail is an instance with its step checkpoints.
type WorkflowDetail struct {
	workflow.Instance
	Steps []workflow.StepRecord `json:"steps"`
}

// GetWorkflow returns an instance and its steps or workflow.ErrNotFound.
func (s *Service) GetWorkflow(ctx context.Context, id string) (*WorkflowDetail, error) {
	inst, ok, err := s.runner.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrNotFound, id)
	}
	steps, err := s.runner.Steps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("steps of %s: %w", id, err)
	}
	if steps == nil {
		steps = []workflow.StepRecord{}
	}
	return &WorkflowDetail{Instance: *inst, Steps: steps}, nil
}

func (s *Service) fallback(ctx context.Context, collaborator string, err error, kv ...any) {
	if s.hooks.OnFallback != nil {
		s.hooks.OnFallback(collaborator)
	}
	s.logger.Warn(ctx, collaborator+" unavailable, using default", append(kv, "err", err)...)
}
