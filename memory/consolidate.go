package memory

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jjinchin/gobi/core"
	"github.com/jjinchin/gobi/llm"
	"github.com/jjinchin/gobi/metrics"
)

// DateLayout is the partition-date format used across all stores.
const DateLayout = "2006-01-02"

// Today returns now's partition date.
func Today(now time.Time) string {
	return now.Format(DateLayout)
}

// Yesterday returns the partition date one day before now. Consolidation only
// ever reads closed dates, never the in-flight current one.
func Yesterday(now time.Time) string {
	return now.AddDate(0, 0, -1).Format(DateLayout)
}

// Consolidator distills a closed day's transcript into at most MaxTopics
// records and indexes them for recall.
//
// A run is idempotent per date: a completion marker is written only after
// every record and vector entry landed, and the existence check reads the
// marker. A date that failed partway has no marker, so the next run cleans up
// the leftovers and rebuilds.
type Consolidator struct {
	completer     llm.Completer
	embedder      Embedder
	index         VectorIndex
	conversations ConversationStore
	records       MemoryStore

	maxTopics     int
	userName      string
	assistantName string
	metrics       *metrics.Metrics
}

// ConsolidatorOption configures the consolidator.
type ConsolidatorOption func(*Consolidator)

// WithMaxTopics caps the topics produced per date. Default 5.
func WithMaxTopics(n int) ConsolidatorOption {
	return func(c *Consolidator) {
		c.maxTopics = n
	}
}

// WithParticipants sets the display names used to label the transcript handed
// to the summarizer, so summaries attribute statements to named participants.
func WithParticipants(user, assistant string) ConsolidatorOption {
	return func(c *Consolidator) {
		c.userName = user
		c.assistantName = assistant
	}
}

// WithConsolidatorMetrics attaches Prometheus instruments.
func WithConsolidatorMetrics(m *metrics.Metrics) ConsolidatorOption {
	return func(c *Consolidator) {
		c.metrics = m
	}
}

// NewConsolidator creates a consolidation pipeline.
func NewConsolidator(completer llm.Completer, embedder Embedder, index VectorIndex, conversations ConversationStore, records MemoryStore, opts ...ConsolidatorOption) *Consolidator {
	c := &Consolidator{
		completer:     completer,
		embedder:      embedder,
		index:         index,
		conversations: conversations,
		records:       records,
		maxTopics:     5,
		userName:      "User",
		assistantName: "Assistant",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consolidates one date. It is safe to call on every wake-up; already
// consolidated and empty dates are cheap no-ops. A non-nil error means the
// date was left without a marker and will be rebuilt on the next run.
func (c *Consolidator) Run(ctx context.Context, date string) error {
	done, err := c.records.Completed(ctx, date)
	if err != nil {
		c.metrics.ObserveConsolidation("failed")
		return fmt.Errorf("check completion marker: %w", err)
	}
	if done {
		c.metrics.ObserveConsolidation("already_done")
		return nil
	}

	turns, err := c.conversations.ByDate(ctx, date)
	if err != nil {
		c.metrics.ObserveConsolidation("failed")
		return fmt.Errorf("load partition %s: %w", date, err)
	}
	if len(turns) == 0 {
		c.metrics.ObserveConsolidation("empty")
		return nil
	}

	summaries, err := c.summarize(ctx, turns)
	if err != nil {
		c.metrics.ObserveConsolidation("failed")
		return err
	}

	// Ids are never reused, so the high-water mark is read before cleanup:
	// deleting a partial date's leftovers must not free its ids.
	lastID, err := c.records.LatestID(ctx)
	if err != nil {
		c.metrics.ObserveConsolidation("failed")
		return fmt.Errorf("latest id: %w", err)
	}

	// Defensive cleanup: a prior run may have died between writes. Records
	// are the system of record, so drop vectors first, rows second.
	ids, err := c.records.IDsByDate(ctx, date)
	if err != nil {
		c.metrics.ObserveConsolidation("failed")
		return fmt.Errorf("list records for %s: %w", date, err)
	}
	if len(ids) > 0 {
		log.Printf("[CONSOLIDATE] Removing %d leftover records for %s", len(ids), date)
		if err := c.index.Delete(ctx, ids); err != nil {
			c.metrics.ObserveConsolidation("failed")
			return fmt.Errorf("delete vectors for %s: %w", date, err)
		}
		if err := c.records.DeleteByDate(ctx, date); err != nil {
			c.metrics.ObserveConsolidation("failed")
			return fmt.Errorf("delete records for %s: %w", date, err)
		}
	}

	for i, ts := range summaries {
		rec := Record{
			ID:      lastID + int64(i) + 1,
			Date:    date,
			Topic:   ts.Topic,
			Summary: ts.Summary,
		}
		if err := c.records.UpsertRecord(ctx, rec); err != nil {
			c.metrics.ObserveConsolidation("failed")
			return fmt.Errorf("write record %d: %w", rec.ID, err)
		}
		vec, err := c.embedder.Embed(ctx, ts.Summary)
		if err != nil {
			c.metrics.ObserveConsolidation("failed")
			return fmt.Errorf("embed summary %d: %w", rec.ID, err)
		}
		if err := c.index.Upsert(ctx, rec.ID, vec, Metadata{Date: date, Topic: ts.Topic}); err != nil {
			c.metrics.ObserveConsolidation("failed")
			return fmt.Errorf("index summary %d: %w", rec.ID, err)
		}
		log.Printf("[CONSOLIDATE] Wrote topic %q as record %d", ts.Topic, rec.ID)
	}

	if err := c.records.MarkCompleted(ctx, date, len(summaries)); err != nil {
		c.metrics.ObserveConsolidation("failed")
		return fmt.Errorf("mark %s complete: %w", date, err)
	}

	c.metrics.ObserveConsolidation("completed")
	c.metrics.ObserveTopics(len(summaries))
	log.Printf("[CONSOLIDATE] Date %s done: %d topics", date, len(summaries))
	return nil
}

// summarize turns the partition into topic/summary pairs. A completion error
// aborts the run (retried next wake); a contract violation in the reply is a
// parse failure that yields zero topics but still counts as attempted.
func (c *Consolidator) summarize(ctx context.Context, turns []core.Turn) ([]TopicSummary, error) {
	labeled := make([]transcriptTurn, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case core.RoleUser:
			labeled = append(labeled, transcriptTurn{Speaker: c.userName, Content: t.Content})
		case core.RoleAssistant:
			labeled = append(labeled, transcriptTurn{Speaker: c.assistantName, Content: t.Content})
		}
	}
	if len(labeled) == 0 {
		return nil, nil
	}

	resp, err := c.completer.Complete(ctx, &llm.Request{
		Instructions: fmt.Sprintf(summarizerInstructions, c.maxTopics),
		Turns:        []core.Turn{core.NewTurn(core.RoleUser, formatTranscript(labeled))},
		MaxTokens:    2048,
	})
	if err != nil {
		return nil, fmt.Errorf("summarize transcript: %w", err)
	}

	summaries := parseTopicSummaries(resp.Text, c.maxTopics)
	if len(summaries) == 0 {
		log.Printf("[CONSOLIDATE] Summarizer output unusable, writing no topics")
	}
	return summaries, nil
}
