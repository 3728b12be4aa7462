// Package claude implements llm.Provider on the Anthropic Messages API.
package claude

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/sift/internal/llm"
)

const defaultMaxTokens = 1024

// Client implements the llm.Provider interface for the Claude API.
type Client struct {
	sdk   anthropic.Client
	model string
}

var _ llm.Provider = (*Client)(nil)

// New creates a Claude client for model. Extra request options, such as
// option.WithBaseURL in tests, are passed through to the SDK. Retries are
// left to the caller's workflow step budget.
func New(apiKey, model string, opts ...option.RequestOption) *Client {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	return &Client{
		sdk:   anthropic.NewClient(append(base, opts...)...),
		model: model,
	}
}

// Complete sends a single-turn request and returns the text blocks of the
// reply joined together.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	if req == nil || strings.TrimSpace(req.Prompt) == "" {
		return nil, errors.New("claude: empty prompt")
	}

	msg, err := c.sdk.Messages.New(ctx, toSDKParams(c.model, req))
	if err != nil {
		return nil, fmt.Errorf("claude messages: %w", err)
	}
	return fromSDKResponse(msg), nil
}

func toSDKParams(model string, req *llm.Request) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	return params
}

func fromSDKResponse(msg *anthropic.Message) *llm.Response {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type != "text" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(block.Text)
	}
	return &llm.Response{
		Text: sb.String(),
		Usage: llm.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}
