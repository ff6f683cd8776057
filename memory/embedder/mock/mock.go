// Package mock provides a network-free embedder for tests. Equal texts always
// embed to the same unit vector, so exact-match retrieval can be asserted
// without a model.
package mock

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
)

const defaultDimensions = 256

// Embedder maps each text to a stable unit vector drawn from a sha256 stream
// over the text.
type Embedder struct {
	dims int
}

// New creates a mock embedder with 256 dimensions.
func New() *Embedder {
	return &Embedder{dims: defaultDimensions}
}

// NewWithDimensions creates a mock embedder matching a collection built at
// another size.
func NewWithDimensions(n int) *Embedder {
	return &Embedder{dims: n}
}

// Embed hashes the text and stretches the digest into a normalized vector by
// rehashing block after block.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	block := sha256.Sum256([]byte(text))
	var norm float64
	for i := 0; i < e.dims; i += 8 {
		block = sha256.Sum256(block[:])
		for j := 0; j < 8 && i+j < e.dims; j++ {
			word := binary.LittleEndian.Uint32(block[j*4 : j*4+4])
			v := float32(int32(word)) / float32(math.MaxInt32)
			vec[i+j] = v
			norm += float64(v) * float64(v)
		}
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dims
}
