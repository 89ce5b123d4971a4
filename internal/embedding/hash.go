package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// DefaultHashDimensions matches all-MiniLM-L6-v2.
const DefaultHashDimensions = 384

// HashEmbedder produces deterministic unit vectors from a hash of the text.
// Identical text always maps to the same vector, different text to nearly
// orthogonal ones. It needs no model server and suits development and tests.
type HashEmbedder struct {
	dimensions int
}

// NewHashEmbedder creates a hash embedder. dimensions <= 0 selects
// DefaultHashDimensions.
func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultHashDimensions
	}
	return &HashEmbedder{dimensions: dimensions}
}

// Embed implements Provider.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f := fnv.New64a()
	_, _ = f.Write([]byte(text))
	seed := f.Sum64()

	vec := make([]float32, h.dimensions)
	var norm float64
	for i := range vec {
		// LCG step, mapped to [-1, 1].
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed)) / float64(math.MaxInt64)
		vec[i] = float32(v)
		norm += v * v
	}

	if norm == 0 {
		return vec, nil
	}
	norm = math.Sqrt(norm)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// Dimensions returns the embedding size.
func (h *HashEmbedder) Dimensions() int { return h.dimensions }

// GetModel implements Provider.
func (h *HashEmbedder) GetModel() string { return "hash" }

var _ Provider = (*HashEmbedder)(nil)
