package memory

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Instruction text for the three auxiliary completion calls. The output
// contracts are strict: anything that is not an exact match for the expected
// shape is a parse failure and falls back to the safe default.

const needClassifierInstructions = `You decide whether a chat message refers to something from a previous day.

Answer TRUE if the message asks about, or depends on, anything said or agreed before today
(for example "the savings method you told me about", "like I said last time").
Answer FALSE otherwise.

Respond with exactly one word: TRUE or FALSE. No punctuation, no explanation.`

const relevanceJudgeInstructions = `You estimate how likely a stored conversation summary answers a user's question.

You are given the question and one candidate summary. Respond with a single
decimal number between 0 and 1: the probability that the summary contains what
the question is asking about. Respond with the number only, nothing else.`

const summarizerInstructions = `You distill one full day of conversation into topic summaries.

Rules:
- Produce at most %d topics. Merge similar topics into one.
- Preserve the participants' original wording where possible.
- Attribute statements to the named participants.
- Respond with a JSON array and nothing else, in exactly this shape:
  [{"topic": "short label", "summary": "attributed summary"}]`

// TopicSummary is one topic/summary pair produced by the summarizer.
type TopicSummary struct {
	Topic   string `json:"topic"`
	Summary string `json:"summary"`
}

// parseBoolVerdict parses the need classifier's answer. Only an exact TRUE or
// FALSE (surrounding whitespace ignored) counts; everything else is false.
func parseBoolVerdict(text string) bool {
	return strings.TrimSpace(text) == "TRUE"
}

// parseProbability parses the relevance judge's answer. The reply must be a
// bare decimal in [0, 1]; any deviation is rejected as probability 0.
func parseProbability(text string) float64 {
	p, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil || p < 0 || p > 1 {
		return 0
	}
	return p
}

// parseTopicSummaries parses the summarizer's answer: a JSON array of
// {topic, summary} objects and nothing else. Parse failures yield an empty
// list; the result is capped at max entries and pairs with an empty topic or
// summary are dropped.
func parseTopicSummaries(text string, max int) []TopicSummary {
	var raw []TopicSummary
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw); err != nil {
		return nil
	}

	var out []TopicSummary
	for _, ts := range raw {
		if strings.TrimSpace(ts.Topic) == "" || strings.TrimSpace(ts.Summary) == "" {
			continue
		}
		out = append(out, ts)
		if len(out) == max {
			break
		}
	}
	return out
}

// formatTranscript renders a day's turns as a participant-labeled transcript
// for the summarizer. System turns carry no conversational content and are
// skipped.
func formatTranscript(turns []transcriptTurn) string {
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Speaker, t.Content)
	}
	return b.String()
}

type transcriptTurn struct {
	Speaker string
	Content string
}
