// Package memory implements the long-term memory subsystem of the Gobi
// companion: retrieval of past conversation topics at question time and
// consolidation of yesterday's transcript into durable topic summaries.
//
// Architecture:
//   - ConversationStore: append-only chat turns partitioned by calendar date
//   - MemoryStore: distilled topic records with monotonically increasing ids,
//     plus the per-date consolidation completion marker
//   - VectorIndex: nearest-neighbor search over summary embeddings, keyed by
//     record id
//   - Manager: the query-time decision pipeline
//     (classify need -> vector search -> fetch record -> judge relevance)
//   - Consolidator: the scheduled pipeline that turns a closed day's
//     transcript into at most MaxTopics records
//
// The Manager returns a tagged three-way result so the caller can distinguish
// "retrieval was not needed" from "retrieval was attempted and came up empty":
// each drives a different instruction injected into the next completion call.
//
// Every external call (completion, embedding, vector search, store access)
// degrades gracefully: the conversation proceeds without memory augmentation
// rather than failing the turn.
package memory
