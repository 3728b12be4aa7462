// Package llm defines the narrow completion interface the pipeline uses to
// talk to a language model, plus helpers for reading model output.
package llm

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Provider is the interface for any LLM backend.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Request is a single-turn completion: a system prompt and one user message.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Response is the concatenated text output of a completion.
type Response struct {
	Text  string
	Usage Usage
}

// Usage is the token accounting reported by the backend.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

var fencePattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")

// ExtractJSON pulls the JSON document out of free-form model output. It
// prefers the first fenced code block, then the span from the first
// opening brace or bracket to the last matching closer. If no closer is
// present the tail is returned as-is for field-level fallback parsing.
func ExtractJSON(text string) string {
	cleaned := strings.TrimSpace(text)

	if m := fencePattern.FindStringSubmatch(cleaned); m != nil && strings.TrimSpace(m[1]) != "" {
		cleaned = strings.TrimSpace(m[1])
	}

	brace := strings.IndexByte(cleaned, '{')
	bracket := strings.IndexByte(cleaned, '[')
	switch {
	case brace >= 0 && (bracket < 0 || brace < bracket):
		cleaned = cleaned[brace:]
		if end := strings.LastIndexByte(cleaned, '}'); end > 0 {
			cleaned = cleaned[:end+1]
		}
	case bracket >= 0:
		cleaned = cleaned[bracket:]
		if end := strings.LastIndexByte(cleaned, ']'); end > 0 {
			cleaned = cleaned[:end+1]
		}
	}
	return strings.TrimSpace(cleaned)
}

// Observer receives the outcome of each completion call.
type Observer func(usage Usage, duration time.Duration, err error)

// Observe wraps p so every Complete call is reported to fn.
func Observe(p Provider, fn Observer) Provider {
	if fn == nil {
		return p
	}
	return observed{inner: p, fn: fn, now: time.Now}
}

type observed struct {
	inner Provider
	fn    Observer
	now   func() time.Time
}

func (o observed) Complete(ctx context.Context, req *Request) (*Response, error) {
	start := o.now()
	resp, err := o.inner.Complete(ctx, req)
	var u Usage
	if resp != nil {
		u = resp.Usage
	}
	o.fn(u, o.now().Sub(start), err)
	return resp, err
}
