// Package mock provides a deterministic hash-based embedder for tests and
// offline development. Identical text always embeds to the identical unit
// vector, so exact-duplicate lookups behave like real recall even though
// there is no semantic similarity.
package mock

import (
	"context"
	"hash/fnv"
	"math"
)

// Embedder generates pseudo-random unit vectors seeded by the text hash.
type Embedder struct {
	dimensions int
}

// New creates a mock embedder with the given vector size. Zero picks 384,
// matching common sentence-transformer models.
func New(dimensions int) *Embedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &Embedder{dimensions: dimensions}
}

func (m *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, m.dimensions)
	for i := range vec {
		// LCG step per component; deterministic for a given text.
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec), nil
}

func (m *Embedder) Dimensions() int {
	return m.dimensions
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
