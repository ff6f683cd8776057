package chat_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jjinchin/gobi/chat"
	"github.com/jjinchin/gobi/core"
	"github.com/jjinchin/gobi/llm"
	"github.com/jjinchin/gobi/memory"
)

type fakeCompleter struct {
	fn    func(req *llm.Request) (*llm.Response, error)
	calls int
	last  *llm.Request
}

func (f *fakeCompleter) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.calls++
	f.last = req
	return f.fn(req)
}

func reply(text string, total int) func(*llm.Request) (*llm.Response, error) {
	return func(*llm.Request) (*llm.Response, error) {
		return &llm.Response{Text: text, Usage: core.Usage{OutputTokens: total}}, nil
	}
}

type fixedCounter struct {
	value int
	err   error
}

func (f fixedCounter) Count(instructions string, turns []core.Turn) (int, error) {
	return f.value, f.err
}

type fakeConvStore struct {
	partitions  map[string][]core.Turn
	appendCalls int
}

func newFakeConvStore() *fakeConvStore {
	return &fakeConvStore{partitions: make(map[string][]core.Turn)}
}

func (f *fakeConvStore) Append(ctx context.Context, date string, turns []core.Turn) error {
	f.appendCalls++
	f.partitions[date] = append(f.partitions[date], turns...)
	return nil
}

func (f *fakeConvStore) ByDate(ctx context.Context, date string) ([]core.Turn, error) {
	return f.partitions[date], nil
}

type fixedRetriever struct {
	result memory.Result
}

func (f fixedRetriever) Retrieve(ctx context.Context, message string) memory.Result {
	return f.result
}

func TestSendRejectsOverBudgetBeforeCalling(t *testing.T) {
	completer := &fakeCompleter{fn: reply("should not run", 10)}
	e := chat.NewEngine(completer, "persona", "instruction",
		chat.WithMaxTokens(100),
		chat.WithTokenCounter(fixedCounter{value: 101}),
	)
	e.AddUserMessage("a very long message")

	got, err := e.Send(context.Background())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got != chat.ShortenReply {
		t.Errorf("reply = %q, want the fixed shorten message", got)
	}
	if completer.calls != 0 {
		t.Errorf("completion was called %d times on the short-circuit path", completer.calls)
	}

	turns := e.Turns()
	if len(turns) != 2 {
		t.Fatalf("expected [system, assistant], got %d turns", len(turns))
	}
	if turns[1].Role != core.RoleAssistant || turns[1].Content != chat.ShortenReply {
		t.Errorf("newest user turn was not replaced by the synthetic reply")
	}
}

func TestEstimateMonotoneInAppendedTurns(t *testing.T) {
	counter := chat.NewHeuristicEstimator()
	var turns []core.Turn
	prev := 0
	for _, text := range []string{"", "hi", "a longer message about savings", "짧은 한국어 문장", "x"} {
		turns = append(turns, core.NewTurn(core.RoleUser, text))
		got, err := counter.Count("base instruction", turns)
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if got < prev {
			t.Fatalf("estimate decreased from %d to %d after appending a turn", prev, got)
		}
		prev = got
	}
}

func TestSendTrimsOldestOnOversizedUsage(t *testing.T) {
	completer := &fakeCompleter{fn: reply("ok", 200)}
	e := chat.NewEngine(completer, "persona", "instruction",
		chat.WithMaxTokens(100),
		chat.WithTokenCounter(fixedCounter{value: 1}),
	)
	for i := 0; i < 19; i++ {
		e.AddUserMessage("turn")
	}
	// 20 turns total; usage 200 > 100 forces dropping ceil(20/10) = 2.

	if _, err := e.Send(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}

	turns := e.Turns()
	// 20 - 2 trimmed + 1 assistant reply.
	if len(turns) != 19 {
		t.Fatalf("expected 19 turns after trim, got %d", len(turns))
	}
	if turns[0].Role != core.RoleSystem {
		t.Errorf("instruction turn at index 0 was not preserved")
	}
}

func TestSendApologizesOnCompleterFailure(t *testing.T) {
	completer := &fakeCompleter{fn: func(*llm.Request) (*llm.Response, error) {
		return nil, errors.New("api down")
	}}
	e := chat.NewEngine(completer, "persona", "instruction",
		chat.WithTokenCounter(fixedCounter{value: 1}),
	)
	e.AddUserMessage("hello")

	got, err := e.Send(context.Background())
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if got != chat.ApologyReply {
		t.Errorf("reply = %q, want the fixed apology", got)
	}
	turns := e.Turns()
	if turns[len(turns)-1].Content != chat.ApologyReply {
		t.Errorf("apology was not appended to the session log")
	}
}

func TestPersistUnsavedWritesOnceThenNoops(t *testing.T) {
	completer := &fakeCompleter{fn: reply("sure", 10)}
	store := newFakeConvStore()
	e := chat.NewEngine(completer, "persona", "instruction",
		chat.WithTokenCounter(fixedCounter{value: 1}),
		chat.WithConversationStore(store),
	)
	e.AddUserMessage("hello")
	if _, err := e.Send(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}

	if err := e.PersistUnsaved(context.Background()); err != nil {
		t.Fatalf("first persist: %v", err)
	}
	if store.appendCalls != 1 {
		t.Fatalf("first persist made %d batch writes, want 1", store.appendCalls)
	}

	if err := e.PersistUnsaved(context.Background()); err != nil {
		t.Fatalf("second persist: %v", err)
	}
	if store.appendCalls != 1 {
		t.Errorf("second persist wrote again with nothing unsaved")
	}

	var total int
	for _, turns := range store.partitions {
		total += len(turns)
		for _, turn := range turns {
			if turn.Role == core.RoleSystem {
				t.Errorf("the instruction turn reached the store")
			}
		}
	}
	if total != 2 {
		t.Errorf("stored %d turns, want the user and assistant pair", total)
	}
}

func TestSendInjectsHonestyFallbackOnNotFound(t *testing.T) {
	completer := &fakeCompleter{fn: reply("I don't recall, sorry.", 10)}
	e := chat.NewEngine(completer, "persona", "instruction",
		chat.WithTokenCounter(fixedCounter{value: 1}),
		chat.WithMemory(fixedRetriever{memory.Result{Outcome: memory.OutcomeNotFound}}),
	)
	e.AddUserMessage("you told me a trick before, right?")
	if _, err := e.Send(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(completer.last.Instructions, "[Memory guidance]") {
		t.Errorf("not-found guidance missing from the instructions")
	}
}

// End to end: a message referencing a past day flows through the real
// retrieval pipeline and the main reply is generated with the past-summary
// instruction variant, not the no-memory one.
func TestSendWithRealRetrievalPipeline(t *testing.T) {
	const savedSummary = "User asked how to save consistently; Gobi suggested automating a monthly transfer right after payday."

	completer := &fakeCompleter{fn: func(req *llm.Request) (*llm.Response, error) {
		switch {
		case strings.Contains(req.Instructions, "TRUE or FALSE"):
			return &llm.Response{Text: "TRUE"}, nil
		case strings.Contains(req.Instructions, "probability"):
			return &llm.Response{Text: "0.85"}, nil
		default:
			return &llm.Response{Text: "예전에 말씀드린 것처럼 월급날 자동이체가 핵심이에요.", Usage: core.Usage{OutputTokens: 30}}, nil
		}
	}}

	index := staticIndex{match: memory.Match{ID: 7, Score: 0.85}}
	records := staticRecords{rec: memory.Record{ID: 7, Date: "2026-08-28", Topic: "savings", Summary: savedSummary}}
	mgr := memory.NewManager(completer, staticEmbedder{}, index, records, &memory.Config{
		VectorThreshold:    0.7,
		RelevanceThreshold: 0.6,
		TopK:               1,
	})

	e := chat.NewEngine(completer, "persona", "instruction",
		chat.WithTokenCounter(fixedCounter{value: 1}),
		chat.WithMemory(mgr),
	)
	e.AddUserMessage("저번에 말한 저축 방법 다시 알려줄래?")

	if _, err := e.Send(context.Background()); err != nil {
		t.Fatalf("send: %v", err)
	}

	instructions := completer.last.Instructions
	if !strings.Contains(instructions, savedSummary) {
		t.Errorf("main reply instructions do not embed the retrieved summary")
	}
	if !strings.Contains(instructions, "[Past conversation]") {
		t.Errorf("found-memory instruction variant missing")
	}
	if strings.Contains(instructions, "[Memory guidance]") {
		t.Errorf("no-memory variant injected despite a successful retrieval")
	}
}

type staticEmbedder struct{}

func (staticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (staticEmbedder) Dimensions() int { return 3 }

type staticIndex struct {
	match memory.Match
}

func (s staticIndex) Upsert(ctx context.Context, id int64, vector []float32, meta memory.Metadata) error {
	return nil
}

func (s staticIndex) Query(ctx context.Context, vector []float32, topK int) ([]memory.Match, error) {
	return []memory.Match{s.match}, nil
}

func (s staticIndex) Delete(ctx context.Context, ids []int64) error { return nil }

type staticRecords struct {
	rec memory.Record
}

func (s staticRecords) LatestID(ctx context.Context) (int64, error) { return s.rec.ID, nil }

func (s staticRecords) UpsertRecord(ctx context.Context, rec memory.Record) error { return nil }

func (s staticRecords) RecordByID(ctx context.Context, id int64) (*memory.Record, error) {
	if id != s.rec.ID {
		return nil, nil
	}
	rec := s.rec
	return &rec, nil
}

func (s staticRecords) IDsByDate(ctx context.Context, date string) ([]int64, error) { return nil, nil }

func (s staticRecords) DeleteByDate(ctx context.Context, date string) error { return nil }

func (s staticRecords) Completed(ctx context.Context, date string) (bool, error) { return false, nil }

func (s staticRecords) MarkCompleted(ctx context.Context, date string, topics int) error { return nil }
