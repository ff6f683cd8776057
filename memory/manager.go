package memory

import (
	"context"
	"fmt"
	"log"

	"github.com/dgraph-io/ristretto"

	"github.com/jjinchin/gobi/core"
	"github.com/jjinchin/gobi/llm"
	"github.com/jjinchin/gobi/metrics"
)

// Outcome tags a retrieval result.
type Outcome int

const (
	// OutcomeSkipped means no retrieval was attempted: the need classifier
	// decided the message does not reference anything before today.
	OutcomeSkipped Outcome = iota

	// OutcomeNotFound means retrieval was attempted but no candidate
	// cleared both the vector gate and the relevance gate.
	OutcomeNotFound

	// OutcomeFound means a past summary cleared both gates.
	OutcomeFound
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeFound:
		return "found"
	default:
		return "unknown"
	}
}

// Result is the three-way outcome of a retrieval attempt. Summary is set only
// when Outcome is OutcomeFound.
type Result struct {
	Outcome Outcome
	Summary string
}

// Config holds the retrieval manager's tunables.
type Config struct {
	// VectorThreshold is the minimum vector similarity for a candidate to
	// reach the relevance judge. Similarity alone is a noisy proxy for
	// topical relevance; this cheap gate prunes obviously-unrelated
	// candidates before paying for an LLM call.
	VectorThreshold float32

	// RelevanceThreshold is the minimum judged probability for a candidate
	// to be surfaced.
	RelevanceThreshold float64

	// TopK is how many neighbors to pull from the index.
	TopK int

	// CacheEmbeddings toggles the best-effort query-embedding cache.
	CacheEmbeddings bool
}

// DefaultConfig matches the tuned production values.
var DefaultConfig = &Config{
	VectorThreshold:    0.7,
	RelevanceThreshold: 0.6,
	TopK:               1,
	CacheEmbeddings:    true,
}

// Manager is the query-time retrieval pipeline:
// classify need -> embed -> vector search -> fetch record -> judge relevance.
type Manager struct {
	completer llm.Completer
	embedder  Embedder
	index     VectorIndex
	records   MemoryStore
	config    *Config
	metrics   *metrics.Metrics
	cache     *ristretto.Cache
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithManagerMetrics attaches Prometheus instruments.
func WithManagerMetrics(m *metrics.Metrics) ManagerOption {
	return func(mgr *Manager) {
		mgr.metrics = m
	}
}

// NewManager creates a retrieval manager. A nil config takes DefaultConfig.
func NewManager(completer llm.Completer, embedder Embedder, index VectorIndex, records MemoryStore, config *Config, opts ...ManagerOption) *Manager {
	if config == nil {
		config = DefaultConfig
	}
	m := &Manager{
		completer: completer,
		embedder:  embedder,
		index:     index,
		records:   records,
		config:    config,
	}
	for _, opt := range opts {
		opt(m)
	}
	if config.CacheEmbeddings {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: 1 << 14,
			MaxCost:     1 << 24, // ~16MB of float32 vectors
			BufferItems: 64,
		})
		if err != nil {
			log.Printf("[MEMORY] Embedding cache disabled: %v", err)
		} else {
			m.cache = cache
		}
	}
	return m
}

// NeedsMemory asks the classifier whether the message references something
// from before today. Any call error or contract violation fails closed to
// false: the turn proceeds without augmentation.
func (m *Manager) NeedsMemory(ctx context.Context, message string) bool {
	resp, err := m.completer.Complete(ctx, &llm.Request{
		Instructions: needClassifierInstructions,
		Turns:        []core.Turn{core.NewTurn(core.RoleUser, message)},
		MaxTokens:    8,
	})
	if err != nil {
		log.Printf("[MEMORY] Need classifier failed: %v", err)
		return false
	}
	return parseBoolVerdict(resp.Text)
}

// Retrieve runs the full decision pipeline for one user message. It never
// returns an error: failures downgrade the result instead of failing the turn.
func (m *Manager) Retrieve(ctx context.Context, message string) Result {
	result := m.retrieve(ctx, message)
	m.metrics.ObserveRetrieval(result.Outcome.String())
	return result
}

func (m *Manager) retrieve(ctx context.Context, message string) Result {
	if !m.NeedsMemory(ctx, message) {
		return Result{Outcome: OutcomeSkipped}
	}

	// Past the need check the attempt is committed: failures below surface
	// as NotFound so the reply honestly admits it cannot recall.
	vector, err := m.embedQuery(ctx, message)
	if err != nil {
		log.Printf("[MEMORY] Embed query failed: %v", err)
		return Result{Outcome: OutcomeNotFound}
	}

	matches, err := m.index.Query(ctx, vector, m.config.TopK)
	if err != nil {
		log.Printf("[MEMORY] Vector search failed: %v", err)
		return Result{Outcome: OutcomeNotFound}
	}
	if len(matches) == 0 || matches[0].Score <= m.config.VectorThreshold {
		log.Printf("[MEMORY] No candidate above vector threshold %.2f", m.config.VectorThreshold)
		return Result{Outcome: OutcomeNotFound}
	}
	candidate := matches[0]

	rec, err := m.records.RecordByID(ctx, candidate.ID)
	if err != nil {
		log.Printf("[MEMORY] Fetch record %d failed: %v", candidate.ID, err)
		return Result{Outcome: OutcomeNotFound}
	}
	if rec == nil {
		// Vector entry without a record: the stores diverged. The index
		// is a rebuildable cache, so treat the candidate as absent.
		log.Printf("[MEMORY] Vector entry %d has no record", candidate.ID)
		return Result{Outcome: OutcomeNotFound}
	}

	p := m.judgeRelevance(ctx, message, rec.Summary)
	log.Printf("[MEMORY] Candidate id=%d score=%.3f relevance=%.2f", rec.ID, candidate.Score, p)
	if p < m.config.RelevanceThreshold {
		return Result{Outcome: OutcomeNotFound}
	}
	return Result{Outcome: OutcomeFound, Summary: rec.Summary}
}

// judgeRelevance estimates the probability that the candidate summary answers
// the query. Call errors and contract violations reject (probability 0).
func (m *Manager) judgeRelevance(ctx context.Context, query, summary string) float64 {
	prompt := fmt.Sprintf("Question:\n%s\n\nCandidate summary:\n%s", query, summary)
	resp, err := m.completer.Complete(ctx, &llm.Request{
		Instructions: relevanceJudgeInstructions,
		Turns:        []core.Turn{core.NewTurn(core.RoleUser, prompt)},
		MaxTokens:    8,
	})
	if err != nil {
		log.Printf("[MEMORY] Relevance judge failed: %v", err)
		return 0
	}
	return parseProbability(resp.Text)
}

// embedQuery embeds the message, consulting the cache first. Cache admission
// is asynchronous and best-effort; misses just pay the embedding call.
func (m *Manager) embedQuery(ctx context.Context, message string) ([]float32, error) {
	if m.cache != nil {
		if v, ok := m.cache.Get(message); ok {
			if vec, ok := v.([]float32); ok {
				return vec, nil
			}
		}
	}
	vec, err := m.embedder.Embed(ctx, message)
	if err != nil {
		return nil, err
	}
	if m.cache != nil {
		m.cache.Set(message, vec, int64(4*len(vec)))
	}
	return vec, nil
}
