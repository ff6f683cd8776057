// Package chat owns the live conversation session: the in-order turn log, the
// token budget, per-turn memory retrieval, and the background flush and
// consolidation task.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jjinchin/gobi/core"
	"github.com/jjinchin/gobi/llm"
	"github.com/jjinchin/gobi/memory"
	"github.com/jjinchin/gobi/metrics"
)

// Fixed user-facing replies for the two controlled failure branches. Both are
// appended to the session log like any assistant turn.
const (
	// ShortenReply is returned when the proactive budget check rejects the
	// newest turn before any completion call is made.
	ShortenReply = "Could you send that in a slightly shorter message?"

	// ApologyReply substitutes for the main reply when the completion call
	// itself fails.
	ApologyReply = "[Something went wrong on my side. Please try again in a moment.]"
)

// defaultMaxTokens is the session token ceiling.
const defaultMaxTokens = 16 * 1024

// ErrNoUserMessage is returned by Send when the log holds no user turn yet.
var ErrNoUserMessage = errors.New("no user message to answer")

// Retriever is the memory retrieval pipeline. *memory.Manager implements it.
type Retriever interface {
	Retrieve(ctx context.Context, message string) memory.Result
}

// Consolidator runs the per-date consolidation pipeline.
// *memory.Consolidator implements it.
type Consolidator interface {
	Run(ctx context.Context, date string) error
}

// Engine is the context manager for one conversation session. It is the sole
// owner of the session's turn log; the only concurrent access is the
// background task, which shares the persisted-flag critical section.
type Engine struct {
	id          string
	completer   llm.Completer
	instruction string
	maxTokens   int

	counter       TokenCounter
	retriever     Retriever
	conversations memory.ConversationStore
	consolidator  Consolidator
	metrics       *metrics.Metrics
	now           func() time.Time

	mu    sync.Mutex
	turns []core.Turn
}

// Option configures the engine.
type Option func(*Engine)

// WithMemory attaches the retrieval pipeline.
func WithMemory(r Retriever) Option {
	return func(e *Engine) {
		e.retriever = r
	}
}

// WithConversationStore attaches the store that persistUnsaved flushes to.
func WithConversationStore(s memory.ConversationStore) Option {
	return func(e *Engine) {
		e.conversations = s
	}
}

// WithConsolidator attaches the consolidation pipeline run by the background
// task.
func WithConsolidator(c Consolidator) Option {
	return func(e *Engine) {
		e.consolidator = c
	}
}

// WithTokenCounter overrides the token estimator.
func WithTokenCounter(tc TokenCounter) Option {
	return func(e *Engine) {
		e.counter = tc
	}
}

// WithMaxTokens overrides the session token ceiling.
func WithMaxTokens(n int) Option {
	return func(e *Engine) {
		e.maxTokens = n
	}
}

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock overrides wall-clock time, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// NewEngine creates a session. systemRole seeds the instruction turn at index
// 0; it is never truncated and never flushed to the conversation store.
// instruction is the base text sent as the system prompt of every main reply.
func NewEngine(completer llm.Completer, systemRole, instruction string, opts ...Option) *Engine {
	e := &Engine{
		id:          uuid.NewString(),
		completer:   completer,
		instruction: instruction,
		maxTokens:   defaultMaxTokens,
		now:         time.Now,
		turns:       []core.Turn{{Role: core.RoleSystem, Content: systemRole, Persisted: true}},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.counter == nil {
		e.counter = NewEstimator()
	}
	return e
}

// ID returns the session id.
func (e *Engine) ID() string {
	return e.id
}

// AddUserMessage appends an unpersisted user turn.
func (e *Engine) AddUserMessage(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.turns = append(e.turns, core.NewTurn(core.RoleUser, text))
}

// Turns returns a snapshot of the session log.
func (e *Engine) Turns() []core.Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]core.Turn, len(e.turns))
	copy(out, e.turns)
	return out
}

// RestoreToday loads today's already-persisted turns into the session, so a
// restarted process resumes the day's conversation.
func (e *Engine) RestoreToday(ctx context.Context) error {
	if e.conversations == nil {
		return nil
	}
	restored, err := e.conversations.ByDate(ctx, memory.Today(e.now()))
	if err != nil {
		return fmt.Errorf("restore today: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range restored {
		if t.Role == core.RoleSystem {
			continue
		}
		e.turns = append(e.turns, t)
	}
	if len(restored) > 0 {
		log.Printf("[CHAT] session=%s restored %d turns", e.id, len(restored))
	}
	return nil
}

// Send produces the assistant reply for the latest user message and appends
// it to the session log.
//
// The turn degrades rather than fails: a budget overflow yields ShortenReply
// without any completion call, a completion failure yields ApologyReply, and
// any failure on the memory path just drops the augmentation.
func (e *Engine) Send(ctx context.Context) (string, error) {
	snapshot := e.Turns()
	lastUser := latestUserText(snapshot)
	if lastUser == "" {
		return "", ErrNoUserMessage
	}

	// Proactive gate: estimate before calling out. An estimator failure
	// counts as under budget; the reactive trim still covers overflows.
	estimate, err := e.counter.Count(e.instruction, snapshot)
	if err != nil {
		log.Printf("[CHAT] session=%s token estimate failed: %v", e.id, err)
		estimate = 0
	}
	if estimate > e.maxTokens {
		log.Printf("[CHAT] session=%s over budget (est=%d max=%d), rejecting newest turn", e.id, estimate, e.maxTokens)
		e.dropNewest()
		e.appendAssistant(ShortenReply)
		return ShortenReply, nil
	}

	extra := ""
	if e.retriever != nil {
		extra = extraInstruction(e.retriever.Retrieve(ctx, lastUser))
	}

	resp, err := e.completer.Complete(ctx, &llm.Request{
		Instructions: e.instruction + extra,
		Turns:        snapshot,
	})
	if err != nil {
		log.Printf("[CHAT] session=%s completion failed: %v", e.id, err)
		e.appendAssistant(ApologyReply)
		return ApologyReply, nil
	}

	// Reactive safety valve: the estimate said we fit, actual usage says
	// otherwise. Shed the oldest tenth of the history.
	if resp.Usage.Total() > e.maxTokens {
		e.trimOldest()
	}

	e.appendAssistant(resp.Text)
	return resp.Text, nil
}

// PersistUnsaved flushes every unpersisted turn to the conversation store as
// one batch tagged with the current date, then flips the flags. Selection,
// write, and flip form one critical section so the foreground path and the
// background task cannot double-deliver a turn. Calling with nothing unsaved
// is a no-op.
func (e *Engine) PersistUnsaved(ctx context.Context) error {
	if e.conversations == nil {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	var unsaved []core.Turn
	for _, t := range e.turns {
		if !t.Persisted {
			unsaved = append(unsaved, t)
		}
	}
	if len(unsaved) == 0 {
		return nil
	}

	// The partition is the wall-clock date at persist time, not at turn
	// creation: deferred flushes land in the day they actually ran.
	date := memory.Today(e.now())
	if err := e.conversations.Append(ctx, date, unsaved); err != nil {
		// Flags stay false; the next cycle retries the same batch.
		return fmt.Errorf("persist %d turns: %w", len(unsaved), err)
	}
	for i := range e.turns {
		e.turns[i].Persisted = true
	}
	e.metrics.ObservePersisted(len(unsaved))
	log.Printf("[CHAT] session=%s persisted %d turns for %s", e.id, len(unsaved), date)
	return nil
}

// RunBackground flushes unsaved turns and consolidates yesterday once per
// interval until ctx is canceled. It runs one cycle immediately so a fresh
// process picks up yesterday's consolidation without waiting a full interval.
func (e *Engine) RunBackground(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.backgroundCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.backgroundCycle(ctx)
		}
	}
}

func (e *Engine) backgroundCycle(ctx context.Context) {
	cycleCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	if err := e.PersistUnsaved(cycleCtx); err != nil {
		log.Printf("[CHAT] session=%s background flush failed: %v", e.id, err)
	}
	if e.consolidator != nil {
		if err := e.consolidator.Run(cycleCtx, memory.Yesterday(e.now())); err != nil {
			log.Printf("[CHAT] session=%s consolidation failed: %v", e.id, err)
		}
	}
}

func (e *Engine) appendAssistant(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.turns = append(e.turns, core.NewTurn(core.RoleAssistant, text))
}

// dropNewest discards the most recently appended turn. Index 0 is never
// touched.
func (e *Engine) dropNewest() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.turns) > 1 {
		e.turns = e.turns[:len(e.turns)-1]
	}
}

// trimOldest sheds the oldest 10% of turns, rounded up, preserving the
// instruction turn at index 0.
func (e *Engine) trimOldest() {
	e.mu.Lock()
	defer e.mu.Unlock()
	remove := (len(e.turns) + 9) / 10
	if remove >= len(e.turns) {
		remove = len(e.turns) - 1
	}
	kept := append([]core.Turn{e.turns[0]}, e.turns[1+remove:]...)
	e.turns = kept
	log.Printf("[CHAT] session=%s trimmed %d oldest turns", e.id, remove)
}

func latestUserText(turns []core.Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == core.RoleUser {
			return turns[i].Content
		}
	}
	return ""
}

// extraInstruction maps the three-way retrieval result to the auxiliary
// guidance appended to the base instruction.
func extraInstruction(res memory.Result) string {
	switch res.Outcome {
	case memory.OutcomeFound:
		return fmt.Sprintf(foundInstruction, res.Summary)
	case memory.OutcomeNotFound:
		return notFoundInstruction
	default:
		return ""
	}
}

const notFoundInstruction = `

[Memory guidance]
No past conversation related to this question was found in long-term memory.
If the user's wording suggests they expect you to remember ("you told me
before"), say honestly that you do not recall the details and ask them to
describe the situation or conditions again.`

const foundInstruction = `

[Past conversation]
Below is a summary of a conversation the user had on an earlier day. Use it
together with the current question to answer naturally. Mention the past only
briefly when needed ("like we talked about before"); do not recite it at
length.

--- past summary ---
%s
--------------------`
