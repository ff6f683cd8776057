// Package llm defines the completion-service boundary and its Anthropic
// implementation.
//
// Every LLM-backed judgment in this repo (main reply, need classifier,
// relevance judge, summarizer) goes through the same Completer interface with
// different instruction text; callers own the output contract and treat any
// deviation from it as a parse failure, never as a crash.
package llm

import (
	"context"

	"github.com/jjinchin/gobi/core"
)

// Request is one completion call.
type Request struct {
	// Instructions is the system prompt for this call. System-role turns in
	// Turns are folded into it by implementations.
	Instructions string

	// Turns is the ordered conversation to complete.
	Turns []core.Turn

	// MaxTokens caps the response length. Zero means the implementation
	// default.
	MaxTokens int64
}

// Response is the result of a completion call.
type Response struct {
	Text  string
	Usage core.Usage
}

// Completer is the completion service. Implementations must honor the context
// deadline and return an error rather than block past it.
type Completer interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}
