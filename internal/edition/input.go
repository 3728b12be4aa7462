package edition

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/sift/internal/feedback"
)

// Limits on how much of the store goes into one edition prompt.
const (
	MaxCases           = 20
	ExcerptsPerCase    = 5
	CaseExcerptLen     = 150
	MaxFlags           = 15
	FlagExcerptLen     = 100
	RecentFeedbackRead = 50
	RecentFeedbackKeep = 20
	RecentExcerptLen   = 120
)

const (
	noCases    = "No cases yet."
	noFlags    = "None"
	noFeedback = "No recent feedback"
)

// Input is the text the summarizer works from.
type Input struct {
	CasesSummary          string `json:"casesSummary"`
	UnderRadarSummary     string `json:"underRadarSummary"`
	RecentFeedbackSummary string `json:"recentFeedbackSummary"`
	CaseCount             int    `json:"caseCount"`
	FlagCount             int    `json:"flagCount"`
	FeedbackCount         int    `json:"feedbackCount"`
}

// BuildInput reads the newest cases, the most severe flags and the most
// recent feedback and renders them as prompt text.
func BuildInput(ctx context.Context, store feedback.Store) (*Input, error) {
	in := &Input{}

	cases, err := store.ListCases(ctx, MaxCases)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	var caseLines []string
	for _, c := range cases {
		items, err := store.FeedbackForCase(ctx, c.ID)
		if err != nil {
			return nil, fmt.Errorf("feedback for case %d: %w", c.ID, err)
		}
		if len(items) > ExcerptsPerCase {
			items = items[:ExcerptsPerCase]
		}
		excerpts := make([]string, 0, len(items))
		for _, f := range items {
			excerpts = append(excerpts, fmt.Sprintf("[%d] %s", f.ID, Excerpt(f.Content, CaseExcerptLen)))
		}
		caseLines = append(caseLines, fmt.Sprintf("Case #%d %q: %s", c.ID, c.Title, strings.Join(excerpts, " | ")))
	}
	in.CaseCount = len(cases)
	in.CasesSummary = joinOr(caseLines, noCases)

	flags, err := store.ListFlags(ctx, MaxFlags)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	var flagLines []string
	for _, fl := range flags {
		var content string
		f, ok, err := store.GetFeedback(ctx, fl.FeedbackID)
		if err != nil {
			return nil, fmt.Errorf("get feedback %d: %w", fl.FeedbackID, err)
		}
		if ok {
			content = f.Content
		}
		flagLines = append(flagLines, fmt.Sprintf("[%d] severity %g: %s - %q",
			fl.FeedbackID, fl.Severity, fl.Reason, Excerpt(content, FlagExcerptLen)))
	}
	in.FlagCount = len(flags)
	in.UnderRadarSummary = joinOr(flagLines, noFlags)

	recent, err := store.ListFeedback(ctx, feedback.ListOptions{Limit: RecentFeedbackRead})
	if err != nil {
		return nil, fmt.Errorf("list feedback: %w", err)
	}
	if len(recent) > RecentFeedbackKeep {
		recent = recent[:RecentFeedbackKeep]
	}
	recentLines := make([]string, 0, len(recent))
	for _, f := range recent {
		recentLines = append(recentLines, fmt.Sprintf("[%d] %s: %s", f.ID, f.Source, Excerpt(f.Content, RecentExcerptLen)))
	}
	in.FeedbackCount = len(recent)
	in.RecentFeedbackSummary = joinOr(recentLines, noFeedback)

	return in, nil
}

// Excerpt returns at most n runes of s, with "..." appended when s was
// shortened.
func Excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func joinOr(lines []string, empty string) string {
	if len(lines) == 0 {
		return empty
	}
	return strings.Join(lines, "\n")
}
