package retrieval

import (
	"context"
	"hash/fnv"
	"math"
)

// MockEmbedder produces deterministic unit vectors derived from the input
// text. The same text always embeds to the same vector, which makes it
// suitable for tests and for running without an embedding backend.
type MockEmbedder struct {
	dims int
}

// NewMockEmbedder returns a deterministic embedder with the given
// dimensionality. Dimensions below 1 fall back to 384.
func NewMockEmbedder(dims int) *MockEmbedder {
	if dims < 1 {
		dims = 384
	}
	return &MockEmbedder{dims: dims}
}

func (m *MockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, m.dims)
	state := seed
	var norm float64
	for i := range vec {
		state = state*6364136223846793005 + 1442695040888963407
		v := float64(int64(state>>11))/float64(1<<52) - 1.0
		vec[i] = float32(v)
		norm += v * v
	}

	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec, nil
}

func (m *MockEmbedder) Dimensions() int {
	return m.dims
}
