package memory

import (
	"context"

	"github.com/jjinchin/gobi/core"
)

// Record is one distilled conversation topic in the long-term memory store.
//
// IDs are assigned sequentially at consolidation time, are never reused, and
// double as the key of the record's entry in the vector index.
type Record struct {
	ID      int64  `json:"id"`
	Date    string `json:"date"` // source partition date, YYYY-MM-DD
	Topic   string `json:"topic"`
	Summary string `json:"summary"`
}

// Metadata is carried alongside a vector entry.
type Metadata struct {
	Date  string
	Topic string
}

// Match is one nearest-neighbor result from the vector index.
type Match struct {
	ID    int64
	Score float32 // cosine similarity, higher is closer
}

// Embedder converts text to a fixed-length vector.
// Implementations: OpenAI embedder (production), mock (tests).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// VectorIndex is the nearest-neighbor search backend over record summaries.
// Entries are keyed by the record id they were built from.
type VectorIndex interface {
	Upsert(ctx context.Context, id int64, vector []float32, meta Metadata) error

	// Query returns up to topK matches sorted by similarity, highest first.
	// An empty index yields an empty slice, not an error.
	Query(ctx context.Context, vector []float32, topK int) ([]Match, error)

	Delete(ctx context.Context, ids []int64) error
}

// ConversationStore persists chat turns partitioned by calendar date.
// Turns are append-only; nothing mutates or deletes them in normal operation.
type ConversationStore interface {
	Append(ctx context.Context, date string, turns []core.Turn) error

	// ByDate returns the partition's turns in insertion order. Restored
	// turns come back with Persisted set.
	ByDate(ctx context.Context, date string) ([]core.Turn, error)
}

// MemoryStore persists distilled topic records and the per-date consolidation
// completion marker.
type MemoryStore interface {
	// LatestID returns the highest assigned record id, or 0 when empty.
	LatestID(ctx context.Context) (int64, error)

	UpsertRecord(ctx context.Context, rec Record) error

	// RecordByID returns nil, nil when no record has the id.
	RecordByID(ctx context.Context, id int64) (*Record, error)

	IDsByDate(ctx context.Context, date string) ([]int64, error)

	DeleteByDate(ctx context.Context, date string) error

	// Completed reports whether consolidation for the date finished. The
	// marker is written last, so its absence means the date is fair game
	// for a (re)build even if partial records exist.
	Completed(ctx context.Context, date string) (bool, error)

	MarkCompleted(ctx context.Context, date string, topics int) error
}
