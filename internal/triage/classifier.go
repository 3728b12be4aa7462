package triage

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/sift/internal/feedback"
	"github.com/linnemanlabs/sift/internal/scoring"
)

// DefaultJudgeTimeout bounds a single Judge call.
const DefaultJudgeTimeout = 30 * time.Second

// Classification results reported to Hooks.OnClassify.
const (
	ResultExisting = "existing"
	ResultFlagged  = "flagged"
	ResultClear    = "clear"
	ResultError    = "error"
)

// Outcome describes what Classify decided. Flag is set whenever the item
// carries a flag after the call, whether found or newly written.
type Outcome struct {
	Flagged  bool           `json:"flagged"`
	Existing bool           `json:"existing"`
	Flag     *feedback.Flag `json:"flag,omitempty"`
	Score    scoring.Result `json:"score"`
	Judgment *Judgment      `json:"judgment,omitempty"`
}

// Hooks receives classification events, typically to record metrics. Nil
// callbacks are skipped.
type Hooks struct {
	OnClassify   func(result string, duration float64)
	OnJudgeError func()
	OnBatch      func(flagged int, duration float64, err error)
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithJudgeTimeout overrides DefaultJudgeTimeout. Non-positive values are
// ignored.
func WithJudgeTimeout(d time.Duration) Option {
	return func(c *Classifier) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithHooks installs classification hooks.
func WithHooks(h Hooks) Option {
	return func(c *Classifier) { c.hooks = h }
}

// WithClock overrides the time source used for detected_at.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// Classifier flags under-radar feedback. It is safe for concurrent use.
type Classifier struct {
	store   feedback.Store
	judge   Judge
	logger  log.Logger
	hooks   Hooks
	timeout time.Duration
	now     func() time.Time
}

// NewClassifier creates a Classifier. It panics if store or judge is nil.
func NewClassifier(store feedback.Store, judge Judge, logger log.Logger, opts ...Option) *Classifier {
	if store == nil {
		panic(xerrors.New("feedback store is required"))
	}
	if judge == nil {
		panic(xerrors.New("judge is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	c := &Classifier{
		store:   store,
		judge:   judge,
		logger:  logger,
		timeout: DefaultJudgeTimeout,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify decides whether f is under the radar and records a flag if so.
// An existing flag is returned untouched without consulting the Judge.
// Judge failures resolve to DefaultJudgment; only storage errors are
// returned.
func (c *Classifier) Classify(ctx context.Context, f *feedback.Feedback) (*Outcome, error) {
	start := time.Now()
	out, err := c.classify(ctx, f)

	result := ResultError
	switch {
	case err != nil:
	case out.Existing:
		result = ResultExisting
	case out.Flagged:
		result = ResultFlagged
	default:
		result = ResultClear
	}
	if c.hooks.OnClassify != nil {
		c.hooks.OnClassify(result, time.Since(start).Seconds())
	}
	return out, err
}

func (c *Classifier) classify(ctx context.Context, f *feedback.Feedback) (*Outcome, error) {
	existing, ok, err := c.store.GetFlag(ctx, f.ID)
	if err != nil {
		return nil, fmt.Errorf("get flag for %d: %w", f.ID, err)
	}
	if ok {
		return &Outcome{Flagged: true, Existing: true, Flag: existing}, nil
	}

	score := scoring.Score(f.Content)
	judgment := c.askJudge(ctx, f)
	out := &Outcome{Score: score, Judgment: &judgment}

	if !scoring.IsUnderRadar(score.Score) && !judgment.IsUnderRadar {
		return out, nil
	}

	flag := &feedback.Flag{
		FeedbackID: f.ID,
		Severity:   math.Max(float64(score.Score), judgment.Severity),
		Reason:     flagReason(score.Reason, judgment.Reason),
		DetectedAt: c.now(),
	}
	id, err := c.store.InsertFlag(ctx, flag)
	if err != nil {
		return nil, fmt.Errorf("insert flag for %d: %w", f.ID, err)
	}
	flag.ID = id
	out.Flagged = true
	out.Flag = flag

	c.logger.Info(ctx, "feedback flagged under radar",
		"feedback_id", f.ID,
		"severity", flag.Severity,
		"heuristic_score", score.Score,
		"ai_under_radar", judgment.IsUnderRadar,
	)
	return out, nil
}

func (c *Classifier) askJudge(ctx context.Context, f *feedback.Feedback) Judgment {
	jctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	j, err := c.judge.DetectUnderRadar(jctx, f.Content)
	if err != nil {
		if c.hooks.OnJudgeError != nil {
			c.hooks.OnJudgeError()
		}
		c.logger.Warn(ctx, "under-radar judge failed, using default", "feedback_id", f.ID, "err", err)
		return DefaultJudgment
	}
	return j
}
