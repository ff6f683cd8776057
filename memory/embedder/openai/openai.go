// Package openai implements the embedding service on the OpenAI API.
package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
)

const defaultDimensions = 1536 // text-embedding-3-small

// Embedder embeds text with an OpenAI embedding model.
type Embedder struct {
	client     openai.Client
	model      openai.EmbeddingModel
	dimensions int
	timeout    time.Duration
}

// Option configures the embedder.
type Option func(*Embedder)

// WithModel overrides the embedding model. Dimensions must match.
func WithModel(model openai.EmbeddingModel, dimensions int) Option {
	return func(e *Embedder) {
		e.model = model
		e.dimensions = dimensions
	}
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Embedder) {
		e.timeout = d
	}
}

// New creates an embedder on text-embedding-3-small.
func New(client openai.Client, opts ...Option) *Embedder {
	e := &Embedder{
		client:     client,
		model:      openai.EmbeddingModelTextEmbedding3Small,
		dimensions: defaultDimensions,
		timeout:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Embed converts text to a vector.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{OfString: openai.String(text)},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embeddings: empty response")
	}

	raw := resp.Data[0].Embedding
	vec := make([]float32, len(raw))
	for i, v := range raw {
		vec[i] = float32(v)
	}
	return vec, nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}
