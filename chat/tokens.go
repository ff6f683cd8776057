package chat

import (
	"log"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jjinchin/gobi/core"
)

// perTurnOverhead approximates the per-message framing cost of chat-formatted
// requests. Counting it for every turn keeps the estimate conservative.
const perTurnOverhead = 4

// TokenCounter estimates the token cost of a full outbound request: the
// instruction text plus every turn. Estimates are monotone in appended turns
// and conservative; they gate the budget check, nothing billing-accurate.
type TokenCounter interface {
	Count(instructions string, turns []core.Turn) (int, error)
}

// Estimator counts tokens with the cl100k_base encoding, falling back to a
// bytes-based heuristic when the encoding cannot be loaded (e.g. no network
// to fetch the BPE data on first use).
type Estimator struct {
	enc *tiktoken.Tiktoken
}

// NewEstimator creates the production token counter.
func NewEstimator() *Estimator {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		log.Printf("[CHAT] Tokenizer unavailable, using heuristic estimates: %v", err)
		return &Estimator{}
	}
	return &Estimator{enc: enc}
}

// NewHeuristicEstimator creates an estimator that always uses the heuristic.
func NewHeuristicEstimator() *Estimator {
	return &Estimator{}
}

// Count implements TokenCounter.
func (e *Estimator) Count(instructions string, turns []core.Turn) (int, error) {
	total := e.countText(instructions) + perTurnOverhead
	for _, t := range turns {
		total += e.countText(t.Content) + perTurnOverhead
	}
	return total, nil
}

func (e *Estimator) countText(text string) int {
	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	// Roughly one token per three bytes. Overestimates typical English
	// prose, which is the right direction for a budget gate.
	return (len(text) + 2) / 3
}
