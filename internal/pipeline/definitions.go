package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/linnemanlabs/sift/internal/cluster"
	"github.com/linnemanlabs/sift/internal/edition"
	"github.com/linnemanlabs/sift/internal/feedback"
	"github.com/linnemanlabs/sift/internal/search"
	"github.com/linnemanlabs/sift/internal/workflow"
)

// Workflow types.
const (
	TypeFeedback     = "feedback"
	TypeDailyEdition = "daily-edition"
)

// Step names.
const (
	StepSentiment   = "sentiment-analysis"
	StepFindSimilar = "find-similar"
	StepGroup       = "group-feedback"

	StepLoadData = "load-data"
	StepGenerate = "generate-edition"
	StepStore    = "store-edition"
)

const (
	stepRetries   = 3
	stepDelay     = 2 * time.Second
	generateDelay = 5 * time.Second

	similarTopK = 10
)

// FeedbackKey is the workflow id for a feedback item.
func FeedbackKey(id int64) string {
	return "feedback-" + strconv.FormatInt(id, 10)
}

// DailyKey is the workflow id for the scheduled edition of date.
func DailyKey(date string) string {
	return "daily-" + date
}

// FeedbackParams are the parameters of a feedback workflow.
type FeedbackParams struct {
	FeedbackID int64 `json:"feedbackId"`
}

// FeedbackResult is the output of a completed feedback workflow.
type FeedbackResult struct {
	FeedbackID  int64              `json:"feedbackId"`
	Sentiment   feedback.Sentiment `json:"sentiment"`
	CaseID      int64              `json:"caseId"`
	CaseCreated bool               `json:"caseCreated"`
}

// EditionParams are the parameters of a daily-edition workflow.
type EditionParams struct {
	Date string `json:"date"`
}

// EditionResult is the output of a completed daily-edition workflow.
type EditionResult struct {
	Date     string `json:"date"`
	Headline string `json:"headline"`
}

func (s *Service) feedbackDefinition() workflow.Definition {
	return workflow.Definition{
		Type: TypeFeedback,
		Steps: []workflow.Step{
			{Name: StepSentiment, Retries: stepRetries, Delay: stepDelay, Run: s.sentimentStep},
			{Name: StepFindSimilar, Retries: stepRetries, Delay: stepDelay, Run: s.findSimilarStep},
			{Name: StepGroup, Retries: stepRetries, Delay: stepDelay, Run: s.groupStep},
		},
		Finish: func(r *workflow.Run) (any, error) {
			var p FeedbackParams
			if err := r.Params(&p); err != nil {
				return nil, err
			}
			res := FeedbackResult{FeedbackID: p.FeedbackID}
			if err := r.Output(StepSentiment, &res.Sentiment); err != nil {
				return nil, err
			}
			var att cluster.Attachment
			if err := r.Output(StepGroup, &att); err != nil {
				return nil, err
			}
			res.CaseID = att.CaseID
			res.CaseCreated = att.Created
			return res, nil
		},
	}
}

func (s *Service) loadFeedback(ctx context.Context, r *workflow.Run) (*feedback.Feedback, error) {
	var p FeedbackParams
	if err := r.Params(&p); err != nil {
		return nil, err
	}
	f, ok, err := s.store.GetFeedback(ctx, p.FeedbackID)
	if err != nil {
		return nil, fmt.Errorf("get feedback %d: %w", p.FeedbackID, err)
	}
	if !ok {
		return nil, fmt.Errorf("feedback %d: %w", p.FeedbackID, feedback.ErrNotFound)
	}
	return f, nil
}

func (s *Service) sentimentStep(ctx context.Context, r *workflow.Run) (any, error) {
	f, err := s.loadFeedback(ctx, r)
	if err != nil {
		return nil, err
	}
	if f.HasSentiment() {
		return storedSentiment(f), nil
	}

	sent := s.analyzeSentiment(ctx, f)
	written, err := s.store.SetSentiment(ctx, f.ID, sent)
	if err != nil {
		return nil, fmt.Errorf("set sentiment for %d: %w", f.ID, err)
	}
	if !written {
		// another writer got there first; report what is stored
		if f, err = s.loadFeedback(ctx, r); err != nil {
			return nil, err
		}
		return storedSentiment(f), nil
	}
	return sent, nil
}

func (s *Service) analyzeSentiment(ctx context.Context, f *feedback.Feedback) feedback.Sentiment {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	sent, err := s.sentiment.AnalyzeSentiment(cctx, f.Content)
	if err != nil {
		s.fallback(ctx, "sentiment", err, "feedback_id", f.ID)
		return feedback.NeutralSentiment
	}
	return sent
}

func storedSentiment(f *feedback.Feedback) feedback.Sentiment {
	sent := feedback.Sentiment{Label: f.SentimentLabel, Score: feedback.NeutralSentiment.Score}
	if f.SentimentScore != nil {
		sent.Score = *f.SentimentScore
	}
	return sent
}

func (s *Service) findSimilarStep(ctx context.Context, r *workflow.Run) (any, error) {
	f, err := s.loadFeedback(ctx, r)
	if err != nil {
		return nil, err
	}
	matches, err := s.searcher.Query(ctx, f.Content, similarTopK)
	if err != nil {
		return nil, fmt.Errorf("find similar to %d: %w", f.ID, err)
	}
	if matches == nil {
		matches = []search.Match{}
	}
	return matches, nil
}

func (s *Service) groupStep(ctx context.Context, r *workflow.Run) (any, error) {
	f, err := s.loadFeedback(ctx, r)
	if err != nil {
		return nil, err
	}
	var matches []search.Match
	if err := r.Output(StepFindSimilar, &matches); err != nil {
		return nil, err
	}
	return s.clusterer.Attach(ctx, f.ID, f.Content, matches)
}

func (s *Service) editionDefinition() workflow.Definition {
	return workflow.Definition{
		Type: TypeDailyEdition,
		Steps: []workflow.Step{
			{Name: StepLoadData, Retries: stepRetries, Delay: stepDelay, Run: s.loadDataStep},
			{Name: StepGenerate, Retries: stepRetries, Delay: generateDelay, Run: s.generateStep},
			{Name: StepStore, Retries: stepRetries, Delay: stepDelay, Run: s.storeEditionStep},
		},
	}
}

func (s *Service) loadDataStep(ctx context.Context, _ *workflow.Run) (any, error) {
	return edition.BuildInput(ctx, s.store)
}

func (s *Service) generateStep(ctx context.Context, r *workflow.Run) (any, error) {
	var in edition.Input
	if err := r.Output(StepLoadData, &in); err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	content, err := s.summarizer.SummarizeEdition(cctx, &in)
	if err != nil {
		s.fallback(ctx, "summarizer", err, "instance_id", r.ID())
		return edition.Fallback(), nil
	}
	return content, nil
}

func (s *Service) storeEditionStep(ctx context.Context, r *workflow.Run) (any, error) {
	var p EditionParams
	if err := r.Params(&p); err != nil {
		return nil, err
	}
	var content edition.Content
	if err := r.Output(StepGenerate, &content); err != nil {
		return nil, err
	}
	raw, err := content.Marshal()
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertEdition(ctx, &feedback.Edition{Date: p.Date, Content: raw}); err != nil {
		return nil, fmt.Errorf("store edition %s: %w", p.Date, err)
	}
	return EditionResult{Date: p.Date, Headline: content.TopStory.Headline}, nil
}
