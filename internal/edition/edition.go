// Package edition builds the daily summary artifact: the model input drawn
// from cases, flags and recent feedback, and a tolerant parser for the
// model's JSON reply.
package edition

import (
	"encoding/json"
	"fmt"

	"github.com/linnemanlabs/sift/internal/llm"
)

// Content is the daily edition artifact. It is stored serialized in
// feedback.Edition.Content.
type Content struct {
	TopStory            TopStory    `json:"topStory"`
	BreakingIssues      []Item      `json:"breakingIssues"`
	UnderRadar          []RadarItem `json:"underRadar"`
	DeveloperExperience []Item      `json:"developerExperience"`
	PricingLimits       []Item      `json:"pricingLimits"`
	FalseAlarms         []Item      `json:"falseAlarms"`
}

// TopStory is the lead item of an edition.
type TopStory struct {
	Headline   string `json:"headline"`
	Body       string `json:"body"`
	FeedbackID *int64 `json:"feedbackId,omitempty"`
}

// Item is an entry in one of the list sections.
type Item struct {
	Title      string `json:"title,omitempty"`
	Excerpt    string `json:"excerpt"`
	FeedbackID *int64 `json:"feedbackId,omitempty"`
}

// RadarItem is an entry in the under-the-radar section.
type RadarItem struct {
	Excerpt    string  `json:"excerpt"`
	Severity   float64 `json:"severity"`
	Reason     string  `json:"reason"`
	FeedbackID *int64  `json:"feedbackId,omitempty"`
}

const (
	unavailableHeadline = "Edition unavailable"
	unavailableBody     = "AI could not generate today's edition."
	noTopStoryHeadline  = "No top story"
)

// Fallback is the edition used when the summarizer fails or its reply
// cannot be read.
func Fallback() Content {
	return Content{
		TopStory:            TopStory{Headline: unavailableHeadline, Body: unavailableBody},
		BreakingIssues:      []Item{},
		UnderRadar:          []RadarItem{},
		DeveloperExperience: []Item{},
		PricingLimits:       []Item{},
		FalseAlarms:         []Item{},
	}
}

// reply mirrors Content with a nullable top story so a missing one can be
// told apart from an empty one.
type reply struct {
	TopStory            *TopStory   `json:"topStory"`
	BreakingIssues      []Item      `json:"breakingIssues"`
	UnderRadar          []RadarItem `json:"underRadar"`
	DeveloperExperience []Item      `json:"developerExperience"`
	PricingLimits       []Item      `json:"pricingLimits"`
	FalseAlarms         []Item      `json:"falseAlarms"`
}

// Parse reads a model reply into Content. Surrounding prose and code fences
// are ignored. Absent sections become empty lists and an absent top story
// becomes a "No top story" placeholder. On error the Fallback edition is
// returned alongside it.
func Parse(raw string) (Content, error) {
	var r reply
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &r); err != nil {
		return Fallback(), fmt.Errorf("parse edition: %w", err)
	}

	c := Content{
		BreakingIssues:      nonNil(r.BreakingIssues),
		UnderRadar:          nonNil(r.UnderRadar),
		DeveloperExperience: nonNil(r.DeveloperExperience),
		PricingLimits:       nonNil(r.PricingLimits),
		FalseAlarms:         nonNil(r.FalseAlarms),
	}
	if r.TopStory != nil {
		c.TopStory = *r.TopStory
	} else {
		c.TopStory = TopStory{Headline: noTopStoryHeadline}
	}
	return c, nil
}

// Marshal serializes c for storage.
func (c Content) Marshal() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode edition: %w", err)
	}
	return string(b), nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
