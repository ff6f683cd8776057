package memory_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/jjinchin/gobi/core"
	"github.com/jjinchin/gobi/llm"
	"github.com/jjinchin/gobi/memory"
)

// fakeCompleter dispatches on the distinctive wording of each instruction set
// so one fake can answer the classifier, the judge, and the summarizer.
type fakeCompleter struct {
	classifierReply string
	judgeReply      string
	summarizeReply  string
	mainReply       string

	classifierErr error
	summarizeErr  error

	calls       int
	judgeCalls  int
	lastRequest *llm.Request
}

func (f *fakeCompleter) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	f.calls++
	f.lastRequest = req
	switch {
	case strings.Contains(req.Instructions, "TRUE or FALSE"):
		if f.classifierErr != nil {
			return nil, f.classifierErr
		}
		return &llm.Response{Text: f.classifierReply}, nil
	case strings.Contains(req.Instructions, "probability"):
		f.judgeCalls++
		return &llm.Response{Text: f.judgeReply}, nil
	case strings.Contains(req.Instructions, "topic summaries"):
		if f.summarizeErr != nil {
			return nil, f.summarizeErr
		}
		return &llm.Response{Text: f.summarizeReply}, nil
	default:
		return &llm.Response{Text: f.mainReply}, nil
	}
}

type fakeEmbedder struct {
	err   error
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []float32{1, 0, 0}, nil
}

func (f *fakeEmbedder) Dimensions() int { return 3 }

type fakeIndex struct {
	matches    []memory.Match
	queryCalls int
	upserts    map[int64]memory.Metadata
	deleted    []int64
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{upserts: make(map[int64]memory.Metadata)}
}

func (f *fakeIndex) Upsert(ctx context.Context, id int64, vector []float32, meta memory.Metadata) error {
	f.upserts[id] = meta
	return nil
}

func (f *fakeIndex) Query(ctx context.Context, vector []float32, topK int) ([]memory.Match, error) {
	f.queryCalls++
	return f.matches, nil
}

func (f *fakeIndex) Delete(ctx context.Context, ids []int64) error {
	f.deleted = append(f.deleted, ids...)
	for _, id := range ids {
		delete(f.upserts, id)
	}
	return nil
}

type fakeMemStore struct {
	records map[int64]memory.Record
	markers map[string]bool
}

func newFakeMemStore() *fakeMemStore {
	return &fakeMemStore{
		records: make(map[int64]memory.Record),
		markers: make(map[string]bool),
	}
}

func (f *fakeMemStore) LatestID(ctx context.Context) (int64, error) {
	var max int64
	for id := range f.records {
		if id > max {
			max = id
		}
	}
	return max, nil
}

func (f *fakeMemStore) UpsertRecord(ctx context.Context, rec memory.Record) error {
	f.records[rec.ID] = rec
	return nil
}

func (f *fakeMemStore) RecordByID(ctx context.Context, id int64) (*memory.Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeMemStore) IDsByDate(ctx context.Context, date string) ([]int64, error) {
	var ids []int64
	for id, rec := range f.records {
		if rec.Date == date {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (f *fakeMemStore) DeleteByDate(ctx context.Context, date string) error {
	for id, rec := range f.records {
		if rec.Date == date {
			delete(f.records, id)
		}
	}
	return nil
}

func (f *fakeMemStore) Completed(ctx context.Context, date string) (bool, error) {
	return f.markers[date], nil
}

func (f *fakeMemStore) MarkCompleted(ctx context.Context, date string, topics int) error {
	f.markers[date] = true
	return nil
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

func testConfig() *memory.Config {
	return &memory.Config{
		VectorThreshold:    0.7,
		RelevanceThreshold: 0.6,
		TopK:               1,
		CacheEmbeddings:    false,
	}
}

func TestRetrieveSkippedWhenNotNeeded(t *testing.T) {
	completer := &fakeCompleter{classifierReply: "FALSE"}
	index := newFakeIndex()
	mgr := memory.NewManager(completer, &fakeEmbedder{}, index, newFakeMemStore(), testConfig())

	res := mgr.Retrieve(context.Background(), "what do you think of index funds?")
	if res.Outcome != memory.OutcomeSkipped {
		t.Fatalf("outcome = %v, want skipped", res.Outcome)
	}
	if index.queryCalls != 0 {
		t.Errorf("vector search ran %d times, want 0", index.queryCalls)
	}
}

func TestRetrieveSkippedOnClassifierError(t *testing.T) {
	completer := &fakeCompleter{classifierErr: errors.New("boom")}
	index := newFakeIndex()
	mgr := memory.NewManager(completer, &fakeEmbedder{}, index, newFakeMemStore(), testConfig())

	res := mgr.Retrieve(context.Background(), "remember my plan?")
	if res.Outcome != memory.OutcomeSkipped {
		t.Fatalf("outcome = %v, want skipped (fail closed)", res.Outcome)
	}
	if index.queryCalls != 0 {
		t.Errorf("vector search ran despite classifier failure")
	}
}

func TestRetrieveNotFoundBelowVectorThreshold(t *testing.T) {
	completer := &fakeCompleter{classifierReply: "TRUE", judgeReply: "0.99"}
	index := newFakeIndex()
	index.matches = []memory.Match{{ID: 1, Score: 0.5}}
	store := newFakeMemStore()
	store.records[1] = memory.Record{ID: 1, Summary: "irrelevant"}
	mgr := memory.NewManager(completer, &fakeEmbedder{}, index, store, testConfig())

	res := mgr.Retrieve(context.Background(), "the savings method from before?")
	if res.Outcome != memory.OutcomeNotFound {
		t.Fatalf("outcome = %v, want not found", res.Outcome)
	}
	if completer.judgeCalls != 0 {
		t.Errorf("relevance judge ran for a candidate below the vector gate")
	}
}

func TestRetrieveFound(t *testing.T) {
	completer := &fakeCompleter{classifierReply: "TRUE", judgeReply: "0.85"}
	index := newFakeIndex()
	index.matches = []memory.Match{{ID: 7, Score: 0.9}}
	store := newFakeMemStore()
	store.records[7] = memory.Record{ID: 7, Date: "2026-08-28", Topic: "savings", Summary: "User wants to automate a monthly transfer."}
	mgr := memory.NewManager(completer, &fakeEmbedder{}, index, store, testConfig())

	res := mgr.Retrieve(context.Background(), "저번에 말한 저축 방법 다시 알려줄래?")
	if res.Outcome != memory.OutcomeFound {
		t.Fatalf("outcome = %v, want found", res.Outcome)
	}
	if res.Summary != store.records[7].Summary {
		t.Errorf("summary = %q, want the stored record summary", res.Summary)
	}
}

func TestRetrieveNotFoundBelowRelevanceThreshold(t *testing.T) {
	completer := &fakeCompleter{classifierReply: "TRUE", judgeReply: "0.4"}
	index := newFakeIndex()
	index.matches = []memory.Match{{ID: 7, Score: 0.9}}
	store := newFakeMemStore()
	store.records[7] = memory.Record{ID: 7, Summary: "loosely related"}
	mgr := memory.NewManager(completer, &fakeEmbedder{}, index, store, testConfig())

	res := mgr.Retrieve(context.Background(), "the savings method from before?")
	if res.Outcome != memory.OutcomeNotFound {
		t.Fatalf("outcome = %v, want not found", res.Outcome)
	}
	if res.Summary != "" {
		t.Errorf("summary should be empty for a rejected candidate")
	}
}

func TestRetrieveNotFoundOnMissingRecord(t *testing.T) {
	completer := &fakeCompleter{classifierReply: "TRUE", judgeReply: "0.99"}
	index := newFakeIndex()
	index.matches = []memory.Match{{ID: 42, Score: 0.95}}
	mgr := memory.NewManager(completer, &fakeEmbedder{}, index, newFakeMemStore(), testConfig())

	res := mgr.Retrieve(context.Background(), "the savings method from before?")
	if res.Outcome != memory.OutcomeNotFound {
		t.Fatalf("outcome = %v, want not found when the stores diverged", res.Outcome)
	}
	if completer.judgeCalls != 0 {
		t.Errorf("relevance judge ran without a record to judge")
	}
}

func TestRetrieveNotFoundOnEmbedFailure(t *testing.T) {
	completer := &fakeCompleter{classifierReply: "TRUE"}
	index := newFakeIndex()
	mgr := memory.NewManager(completer, &fakeEmbedder{err: errors.New("down")}, index, newFakeMemStore(), testConfig())

	res := mgr.Retrieve(context.Background(), "the savings method from before?")
	if res.Outcome != memory.OutcomeNotFound {
		t.Fatalf("outcome = %v, want not found after a committed attempt", res.Outcome)
	}
	if index.queryCalls != 0 {
		t.Errorf("vector search ran without an embedding")
	}
}
