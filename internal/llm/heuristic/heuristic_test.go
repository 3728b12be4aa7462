package heuristic

import (
	"context"
	"testing"

	"github.com/linnemanlabs/sift/internal/edition"
	"github.com/linnemanlabs/sift/internal/feedback"
)

func TestDetectUnderRadar(t *testing.T) {
	t.Parallel()

	var a Analyst
	got, err := a.DetectUnderRadar(context.Background(), "URGENT: production down, customers blocked!!")
	if err != nil {
		t.Fatalf("DetectUnderRadar: %v", err)
	}
	if !got.IsUnderRadar || got.Severity != 10 {
		t.Errorf("got = %+v, want flagged at 10", got)
	}

	got, err = a.DetectUnderRadar(context.Background(), "nice dashboard")
	if err != nil {
		t.Fatalf("DetectUnderRadar: %v", err)
	}
	if got.IsUnderRadar || got.Severity != 0 || got.Reason != "Normal feedback" {
		t.Errorf("got = %+v, want clear", got)
	}
}

func TestAnalyzeSentiment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		content string
		want    string
	}{
		{"I love the new search, thanks!", feedback.SentimentPositive},
		{"Export is broken and slow", feedback.SentimentNegative},
		{"Where is the billing page?", feedback.SentimentNeutral},
		{"Great docs but the build is broken", feedback.SentimentNeutral},
	}
	var a Analyst
	for _, tt := range tests {
		got, err := a.AnalyzeSentiment(context.Background(), tt.content)
		if err != nil {
			t.Fatalf("AnalyzeSentiment: %v", err)
		}
		if got.Label != tt.want {
			t.Errorf("AnalyzeSentiment(%q) = %q, want %q", tt.content, got.Label, tt.want)
		}
	}
}

func TestSummarizeEdition(t *testing.T) {
	t.Parallel()

	var a Analyst
	got, err := a.SummarizeEdition(context.Background(), &edition.Input{
		CasesSummary:  "Case #1 \"Export\": [1] broken\nCase #2 \"Docs\": [2] typo",
		CaseCount:     2,
		FlagCount:     1,
		FeedbackCount: 5,
	})
	if err != nil {
		t.Fatalf("SummarizeEdition: %v", err)
	}
	if got.TopStory.Headline != "2 cases, 1 under-the-radar flags, 5 recent items" {
		t.Errorf("Headline = %q", got.TopStory.Headline)
	}
	if got.TopStory.Body != "Case #1 \"Export\": [1] broken" {
		t.Errorf("Body = %q", got.TopStory.Body)
	}
	if got.BreakingIssues == nil {
		t.Error("BreakingIssues is nil")
	}
}
