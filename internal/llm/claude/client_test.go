package claude

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/sift/internal/llm"
)

func TestToSDKParams(t *testing.T) {
	t.Parallel()

	params := toSDKParams("claude-test", &llm.Request{System: "be terse", Prompt: "hello"})

	if params.Model != anthropic.Model("claude-test") {
		t.Errorf("model = %q, want %q", params.Model, "claude-test")
	}
	if params.MaxTokens != defaultMaxTokens {
		t.Errorf("max tokens = %d, want %d", params.MaxTokens, defaultMaxTokens)
	}
	if len(params.System) != 1 || params.System[0].Text != "be terse" {
		t.Errorf("system = %+v, want one block %q", params.System, "be terse")
	}
	if len(params.Messages) != 1 || params.Messages[0].Role != anthropic.MessageParamRoleUser {
		t.Fatalf("messages = %+v, want one user message", params.Messages)
	}
	block := params.Messages[0].Content[0]
	if block.OfText == nil || block.OfText.Text != "hello" {
		t.Errorf("content = %+v, want text %q", block, "hello")
	}
}

func TestToSDKParams_NoSystem(t *testing.T) {
	t.Parallel()

	params := toSDKParams("m", &llm.Request{Prompt: "p", MaxTokens: 150})
	if len(params.System) != 0 {
		t.Errorf("system = %+v, want none", params.System)
	}
	if params.MaxTokens != 150 {
		t.Errorf("max tokens = %d, want 150", params.MaxTokens)
	}
}

func TestFromSDKResponse_JoinsTextBlocks(t *testing.T) {
	t.Parallel()

	msg := &anthropic.Message{
		Content: []anthropic.ContentBlockUnion{
			{Type: "text", Text: "first"},
			{Type: "thinking", Thinking: "hidden"},
			{Type: "text", Text: "second"},
		},
		Usage: anthropic.Usage{InputTokens: 1234, OutputTokens: 567},
	}

	got := fromSDKResponse(msg)
	if got.Text != "first\nsecond" {
		t.Errorf("text = %q, want %q", got.Text, "first\nsecond")
	}
	if got.Usage.InputTokens != 1234 || got.Usage.OutputTokens != 567 {
		t.Errorf("usage = %+v, want 1234/567", got.Usage)
	}
}

type capturedRequest struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	System    []struct {
		Text string `json:"text"`
	} `json:"system"`
}

func TestComplete_RoundTrip(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		seen capturedRequest
		key  string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/v1/messages") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		_ = json.Unmarshal(body, &seen)
		key = r.Header.Get("X-Api-Key")
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"content": [{"type": "text", "text": "{\"sentiment\":\"negative\",\"score\":0.2}"}],
			"stop_reason": "end_turn",
			"stop_sequence": null,
			"usage": {"input_tokens": 12, "output_tokens": 9}
		}`)
	}))
	t.Cleanup(srv.Close)

	c := New("sk-test", "claude-test", option.WithBaseURL(srv.URL+"/"))
	resp, err := c.Complete(context.Background(), &llm.Request{System: "classify", Prompt: "it broke", MaxTokens: 100})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != `{"sentiment":"negative","score":0.2}` {
		t.Errorf("text = %q", resp.Text)
	}
	if resp.Usage.InputTokens != 12 || resp.Usage.OutputTokens != 9 {
		t.Errorf("usage = %+v, want 12/9", resp.Usage)
	}

	mu.Lock()
	defer mu.Unlock()
	if seen.Model != "claude-test" || seen.MaxTokens != 100 {
		t.Errorf("request = %+v, want model claude-test, max_tokens 100", seen)
	}
	if len(seen.System) != 1 || seen.System[0].Text != "classify" {
		t.Errorf("system = %+v", seen.System)
	}
	if key != "sk-test" {
		t.Errorf("api key header = %q, want %q", key, "sk-test")
	}
}

func TestComplete_APIError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"api_error","message":"boom"}}`)
	}))
	t.Cleanup(srv.Close)

	c := New("sk-test", "claude-test", option.WithBaseURL(srv.URL+"/"))
	if _, err := c.Complete(context.Background(), &llm.Request{Prompt: "x"}); err == nil {
		t.Fatal("Complete returned nil error for a 500")
	}
}

func TestComplete_EmptyPrompt(t *testing.T) {
	t.Parallel()

	c := New("sk-test", "claude-test")
	if _, err := c.Complete(context.Background(), &llm.Request{Prompt: "  "}); err == nil {
		t.Fatal("Complete accepted an empty prompt")
	}
}
