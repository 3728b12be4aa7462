// Package heuristic provides deterministic stand-ins for the model-backed
// collaborators. The server uses them when no model API key is configured.
package heuristic

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/sift/internal/edition"
	"github.com/linnemanlabs/sift/internal/feedback"
	"github.com/linnemanlabs/sift/internal/scoring"
	"github.com/linnemanlabs/sift/internal/triage"
)

// Analyst answers every judgment locally without a model.
type Analyst struct{}

var _ triage.Judge = Analyst{}

// DetectUnderRadar reports the severity heuristic as the judgment.
func (Analyst) DetectUnderRadar(_ context.Context, content string) (triage.Judgment, error) {
	r := scoring.Score(content)
	return triage.Judgment{
		IsUnderRadar: scoring.IsUnderRadar(r.Score),
		Reason:       r.Reason,
		Severity:     float64(r.Score),
	}, nil
}

var (
	positiveWords = []string{"love", "great", "awesome", "thanks", "thank you", "excellent", "amazing", "helpful", "nice", "fast"}
	negativeWords = []string{"hate", "broken", "bug", "slow", "error", "fail", "crash", "terrible", "awful", "frustrat", "confusing", "down"}
)

// AnalyzeSentiment counts positive and negative cue words.
func (Analyst) AnalyzeSentiment(_ context.Context, content string) (feedback.Sentiment, error) {
	lower := strings.ToLower(content)
	pos, neg := countAny(lower, positiveWords), countAny(lower, negativeWords)
	switch {
	case pos > neg:
		return feedback.Sentiment{Label: feedback.SentimentPositive, Score: 0.7}, nil
	case neg > pos:
		return feedback.Sentiment{Label: feedback.SentimentNegative, Score: 0.3}, nil
	default:
		return feedback.NeutralSentiment, nil
	}
}

// SummarizeEdition builds a plain digest from the edition input.
func (Analyst) SummarizeEdition(_ context.Context, in *edition.Input) (edition.Content, error) {
	c := edition.Fallback()
	if in == nil {
		return c, nil
	}
	c.TopStory = edition.TopStory{
		Headline: fmt.Sprintf("%d cases, %d under-the-radar flags, %d recent items", in.CaseCount, in.FlagCount, in.FeedbackCount),
		Body:     firstLine(in.CasesSummary),
	}
	return c, nil
}

func countAny(text string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			n++
		}
	}
	return n
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
