package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/jjinchin/gobi/core"
)

// Anthropic implements Completer on the Anthropic Messages API.
type Anthropic struct {
	client    *anthropic.Client
	model     string
	maxTokens int64
	timeout   time.Duration
}

// AnthropicOption configures the Anthropic completer.
type AnthropicOption func(*Anthropic)

// WithModel overrides the default model.
func WithModel(model string) AnthropicOption {
	return func(a *Anthropic) {
		a.model = model
	}
}

// WithMaxTokens overrides the default response token cap.
func WithMaxTokens(n int64) AnthropicOption {
	return func(a *Anthropic) {
		a.maxTokens = n
	}
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) AnthropicOption {
	return func(a *Anthropic) {
		a.timeout = d
	}
}

// NewAnthropic creates a completer backed by the given Anthropic client.
func NewAnthropic(client *anthropic.Client, opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		client:    client,
		model:     "claude-sonnet-4-20250514",
		maxTokens: 4096,
		timeout:   60 * time.Second,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Complete sends one Messages API call. System-role turns are folded into the
// system prompt; the Messages list must alternate user/assistant, which the
// session context already guarantees.
func (a *Anthropic) Complete(ctx context.Context, req *Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	system := req.Instructions
	var messages []anthropic.MessageParam
	for _, turn := range req.Turns {
		switch turn.Role {
		case core.RoleSystem:
			if system == "" {
				system = turn.Content
			} else {
				system += "\n\n" + turn.Content
			}
		case core.RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		case core.RoleAssistant:
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = a.maxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	return &Response{
		Text: text.String(),
		Usage: core.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}
