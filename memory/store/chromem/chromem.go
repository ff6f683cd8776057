// Package chromem backs the vector index with chromem-go, a pure Go embedded
// vector database.
package chromem

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	chromem "github.com/philippgille/chromem-go"

	"github.com/jjinchin/gobi/memory"
)

const collectionName = "memories"

// Index implements memory.VectorIndex on a single chromem collection.
// Documents are keyed by the memory record id.
type Index struct {
	col *chromem.Collection
}

// New creates an in-memory index. Only useful for tests and throwaway
// sessions; anything paired with a durable record store should use Open so
// the vectors live as long as the records do.
func New() (*Index, error) {
	return open(chromem.NewDB())
}

// Open creates an index persisted under dir. Reopening the same dir after a
// restart restores the collection, keeping the index consistent with the
// record store and its completion markers.
func Open(dir string) (*Index, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	return open(db)
}

func open(db *chromem.DB) (*Index, error) {
	// Embeddings are always provided by the caller, so no embedding or
	// distance funcs are configured (default cosine similarity).
	col, err := db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("open collection: %w", err)
	}
	return &Index{col: col}, nil
}

// Upsert writes one vector entry under the record id.
func (ix *Index) Upsert(ctx context.Context, id int64, vector []float32, meta memory.Metadata) error {
	doc := chromem.Document{
		ID:        strconv.FormatInt(id, 10),
		Content:   meta.Topic,
		Embedding: vector,
		Metadata: map[string]string{
			"date":  meta.Date,
			"topic": meta.Topic,
		},
	}
	if err := ix.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("add document %d: %w", id, err)
	}
	return nil
}

// Query returns the nearest entries, highest similarity first. chromem
// rejects nResults larger than the collection, so the limit shrinks until the
// query fits; an empty collection yields no matches.
func (ix *Index) Query(ctx context.Context, vector []float32, topK int) ([]memory.Match, error) {
	var results []chromem.Result
	for limit := topK; limit >= 1; limit-- {
		var err error
		results, err = ix.col.QueryEmbedding(ctx, vector, limit, nil, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if limit == 1 {
				return nil, nil
			}
			continue
		}
		return nil, fmt.Errorf("query embedding: %w", err)
	}

	matches := make([]memory.Match, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			// Foreign document in the collection; skip it.
			continue
		}
		matches = append(matches, memory.Match{ID: id, Score: r.Similarity})
	}
	return matches, nil
}

// Delete removes the entries for the given record ids. Unknown ids are not an
// error; cleanup must be re-runnable.
func (ix *Index) Delete(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	docIDs := make([]string, len(ids))
	for i, id := range ids {
		docIDs[i] = strconv.FormatInt(id, 10)
	}
	if err := ix.col.Delete(ctx, nil, nil, docIDs...); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return nil
}

// isInsufficientDocsError reports whether the query failed because nResults
// exceeded the collection size.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
