// Package analyst turns a language model into the pipeline's judgment
// collaborators: the under-the-radar judge, the sentiment analyzer and the
// edition summarizer. Model replies are parsed tolerantly, falling back to
// field extraction and keyword cues when the JSON is malformed.
package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/sift/internal/edition"
	"github.com/linnemanlabs/sift/internal/feedback"
	"github.com/linnemanlabs/sift/internal/llm"
	"github.com/linnemanlabs/sift/internal/triage"
)

const (
	judgeMaxTokens     = 150
	sentimentMaxTokens = 100
	editionMaxTokens   = 2000

	maxFallbackReason = 200
)

const judgeSystem = `Analyze this feedback to determine if it represents items "flying under the radar" - high-severity issues that might be overlooked due to low volume.
Under the radar indicators: production issues, blocking problems, critical bugs, customer impact, urgent language.
Respond with JSON: {"isUnderRadar": true/false, "reason": "explanation", "severity": 1-10}`

const sentimentSystem = `Analyze the sentiment of this feedback. Respond with JSON: {"sentiment": "positive|negative|neutral", "score": 0-1}`

const editionSystem = `You are writing the daily Feedback Journal. Based on the following data, produce a newspaper edition as JSON.

Cases/bundled feedback summary:
%s

Under-the-radar (high-severity, low-volume) feedback:
%s

Recent feedback summary:
%s

Respond with ONLY a JSON object (no markdown) with this exact structure:
{
  "topStory": { "headline": "string", "body": "string", "feedbackId": number or null },
  "breakingIssues": [ { "title": "string", "excerpt": "string", "feedbackId": number or null } ],
  "underRadar": [ { "excerpt": "string", "severity": number, "reason": "string", "feedbackId": number or null } ],
  "developerExperience": [ { "title": "string", "excerpt": "string", "feedbackId": number or null } ],
  "pricingLimits": [ { "title": "string", "excerpt": "string", "feedbackId": number or null } ],
  "falseAlarms": [ { "title": "string", "excerpt": "string", "feedbackId": number or null } ]
}
Use empty arrays where no items. Keep excerpts under 200 chars.`

// Analyst implements the judgment collaborators over an llm.Provider.
type Analyst struct {
	provider llm.Provider
	logger   log.Logger
}

var _ triage.Judge = (*Analyst)(nil)

// New creates an Analyst.
func New(provider llm.Provider, logger log.Logger) *Analyst {
	if logger == nil {
		logger = log.Nop()
	}
	return &Analyst{provider: provider, logger: logger}
}

// DetectUnderRadar asks the model whether content is a quietly severe issue.
// Provider errors are returned so the caller can substitute its default.
func (a *Analyst) DetectUnderRadar(ctx context.Context, content string) (triage.Judgment, error) {
	resp, err := a.provider.Complete(ctx, &llm.Request{
		System:    judgeSystem,
		Prompt:    content,
		MaxTokens: judgeMaxTokens,
	})
	if err != nil {
		return triage.Judgment{}, fmt.Errorf("detect under radar: %w", err)
	}
	return parseJudgment(resp.Text), nil
}

// AnalyzeSentiment classifies content as positive, negative or neutral.
func (a *Analyst) AnalyzeSentiment(ctx context.Context, content string) (feedback.Sentiment, error) {
	resp, err := a.provider.Complete(ctx, &llm.Request{
		System:    sentimentSystem,
		Prompt:    content,
		MaxTokens: sentimentMaxTokens,
	})
	if err != nil {
		return feedback.Sentiment{}, fmt.Errorf("analyze sentiment: %w", err)
	}
	return parseSentiment(resp.Text), nil
}

// SummarizeEdition writes the daily edition from in. An unreadable reply
// yields the fallback edition and an error.
func (a *Analyst) SummarizeEdition(ctx context.Context, in *edition.Input) (edition.Content, error) {
	if in == nil {
		return edition.Fallback(), errors.New("summarize edition: nil input")
	}
	resp, err := a.provider.Complete(ctx, &llm.Request{
		System:    fmt.Sprintf(editionSystem, in.CasesSummary, in.UnderRadarSummary, in.RecentFeedbackSummary),
		Prompt:    "Generate the edition JSON.",
		MaxTokens: editionMaxTokens,
	})
	if err != nil {
		return edition.Fallback(), fmt.Errorf("summarize edition: %w", err)
	}
	c, err := edition.Parse(resp.Text)
	if err != nil {
		a.logger.Warn(ctx, "edition reply unreadable", "err", err, "output_tokens", resp.Usage.OutputTokens)
		return c, err
	}
	return c, nil
}

var (
	reasonField     = regexp.MustCompile(`(?i)["']reason["']\s*:\s*["']([^"']+)["']`)
	reasonLoose     = regexp.MustCompile(`(?i)reason["\s:]*"([^"]+)"`)
	severityField   = regexp.MustCompile(`(?i)["']severity["']\s*:\s*(\d+)`)
	severityLoose   = regexp.MustCompile(`(?i)severity["\s:]*(\d+)`)
	underRadarField = regexp.MustCompile(`(?i)["']isUnderRadar["']\s*:\s*(true|false)`)
	underRadarLoose = regexp.MustCompile(`(?i)isunderradar["\s:]*true`)
	jsonDebris      = regexp.MustCompile("```json|```|[{}\\[\\]]")
)

type judgmentReply struct {
	IsUnderRadar bool    `json:"isUnderRadar"`
	Reason       string  `json:"reason"`
	Severity     float64 `json:"severity"`
}

func parseJudgment(text string) triage.Judgment {
	cleaned := llm.ExtractJSON(text)

	var r judgmentReply
	if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
		r = salvageJudgment(cleaned)
	}

	j := triage.Judgment{IsUnderRadar: r.IsUnderRadar, Reason: r.Reason, Severity: r.Severity}
	if j.Reason == "" {
		j.Reason = "Normal feedback"
	}
	if j.Severity <= 0 {
		j.Severity = 3
	}
	if j.Severity > 10 {
		j.Severity = 10
	}
	return j
}

// salvageJudgment pulls fields out of malformed JSON, then falls back to
// keyword cues in the text.
func salvageJudgment(text string) judgmentReply {
	lower := strings.ToLower(text)
	var r judgmentReply

	switch {
	case underRadarField.MatchString(text):
		r.IsUnderRadar = strings.EqualFold(underRadarField.FindStringSubmatch(text)[1], "true")
	case underRadarLoose.MatchString(text):
		r.IsUnderRadar = true
	default:
		r.IsUnderRadar = strings.Contains(lower, "under the radar") ||
			strings.Contains(lower, "high-severity") ||
			strings.Contains(lower, "overlooked")
	}

	if m := firstSubmatch(text, reasonField, reasonLoose); m != "" {
		r.Reason = m
	} else {
		r.Reason = strings.TrimSpace(jsonDebris.ReplaceAllString(text, ""))
		if rs := []rune(r.Reason); len(rs) > maxFallbackReason {
			r.Reason = string(rs[:maxFallbackReason])
		}
		if r.Reason == "" {
			r.Reason = "High-severity issue detected"
		}
	}

	if m := firstSubmatch(text, severityField, severityLoose); m != "" {
		n, _ := strconv.Atoi(m)
		r.Severity = float64(n)
	} else {
		switch {
		case strings.Contains(lower, "critical"):
			r.Severity = 9
		case strings.Contains(lower, "high"):
			r.Severity = 7
		default:
			r.Severity = 3
		}
	}
	return r
}

type sentimentReply struct {
	Sentiment string  `json:"sentiment"`
	Score     float64 `json:"score"`
}

func parseSentiment(text string) feedback.Sentiment {
	cleaned := llm.ExtractJSON(text)

	var r sentimentReply
	if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
		return KeywordSentiment(cleaned)
	}

	s := feedback.Sentiment{Label: normalizeLabel(r.Sentiment), Score: r.Score}
	if s.Score <= 0 || s.Score > 1 {
		s.Score = feedback.NeutralSentiment.Score
	}
	return s
}

// KeywordSentiment reads a label from free text: "positive" scores 0.7,
// "negative" 0.3, anything else is neutral.
func KeywordSentiment(text string) feedback.Sentiment {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, feedback.SentimentPositive):
		return feedback.Sentiment{Label: feedback.SentimentPositive, Score: 0.7}
	case strings.Contains(lower, feedback.SentimentNegative):
		return feedback.Sentiment{Label: feedback.SentimentNegative, Score: 0.3}
	default:
		return feedback.NeutralSentiment
	}
}

func normalizeLabel(label string) string {
	switch l := strings.ToLower(strings.TrimSpace(label)); l {
	case feedback.SentimentPositive, feedback.SentimentNegative:
		return l
	default:
		return feedback.SentimentNeutral
	}
}

func firstSubmatch(text string, patterns ...*regexp.Regexp) string {
	for _, p := range patterns {
		if m := p.FindStringSubmatch(text); m != nil {
			return m[1]
		}
	}
	return ""
}
