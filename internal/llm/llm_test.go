package llm

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExtractJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain object", `{"a":1}`, `{"a":1}`},
		{"json fence", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"leading prose", `Sure! Here it is: {"a":1} hope that helps`, `{"a":1}`},
		{"nested braces", `x {"a":{"b":2}} y`, `{"a":{"b":2}}`},
		{"array", `result: [1,2,3] done`, `[1,2,3]`},
		{"unterminated", `{"reason": "prod down", "severity": 9`, `{"reason": "prod down", "severity": 9`},
		{"no json", "just words", "just words"},
		{"fence then prose", "```json\n{\"a\":1}\n```\nand {\"b\":2}", `{"a":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ExtractJSON(tt.in); got != tt.want {
				t.Errorf("ExtractJSON(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

type stubProvider struct {
	resp *Response
	err  error
}

func (s stubProvider) Complete(context.Context, *Request) (*Response, error) {
	return s.resp, s.err
}

func TestObserve(t *testing.T) {
	t.Parallel()

	var (
		gotUsage Usage
		gotErr   error
		calls    int
	)
	fn := func(u Usage, _ time.Duration, err error) {
		calls++
		gotUsage, gotErr = u, err
	}

	p := Observe(stubProvider{resp: &Response{Text: "ok", Usage: Usage{InputTokens: 10, OutputTokens: 3}}}, fn)
	resp, err := p.Complete(context.Background(), &Request{Prompt: "x"})
	if err != nil || resp.Text != "ok" {
		t.Fatalf("Complete = %v, %v", resp, err)
	}
	if gotUsage.InputTokens != 10 || gotUsage.OutputTokens != 3 || gotErr != nil {
		t.Errorf("observed usage = %+v, err = %v", gotUsage, gotErr)
	}

	boom := errors.New("boom")
	p = Observe(stubProvider{err: boom}, fn)
	if _, err := p.Complete(context.Background(), &Request{Prompt: "x"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls != 2 || !errors.Is(gotErr, boom) || gotUsage != (Usage{}) {
		t.Errorf("calls = %d, err = %v, usage = %+v", calls, gotErr, gotUsage)
	}
}

func TestObserve_NilObserver(t *testing.T) {
	t.Parallel()

	inner := stubProvider{}
	if got := Observe(inner, nil); got != Provider(inner) {
		t.Error("Observe with nil observer should return the provider unchanged")
	}
}
