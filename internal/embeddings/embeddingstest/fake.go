// Package embeddingstest provides a deterministic embedding model for tests.
package embeddingstest

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// Model maps text to vectors without any inference. Vectors registered with
// Set are returned verbatim; other texts get a normalized pseudo-random
// vector seeded by their hash.
type Model struct {
	mu      sync.Mutex
	dim     int
	vectors map[string][]float32

	// Err, when set, is returned by every call.
	Err error
	// FailOnCall makes the n-th EmbedBatch call (1-based) fail with Err.
	FailOnCall int

	EmbedCalls      int
	EmbedBatchCalls int
	BatchSizes      []int
	Closed          bool
}

// New returns a model producing dim-sized vectors.
func New(dim int) *Model {
	return &Model{dim: dim, vectors: make(map[string][]float32)}
}

// Set pins the vector returned for text.
func (m *Model) Set(text string, v []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[text] = v
}

func (m *Model) Embed(ctx context.Context, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EmbedCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Err != nil && m.FailOnCall == 0 {
		return nil, m.Err
	}
	return m.vector(text), nil
}

func (m *Model) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EmbedBatchCalls++
	m.BatchSizes = append(m.BatchSizes, len(texts))
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Err != nil && (m.FailOnCall == 0 || m.FailOnCall == m.EmbedBatchCalls) {
		return nil, m.Err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.vector(t)
	}
	return out, nil
}

func (m *Model) Dimension() int { return m.dim }

func (m *Model) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

func (m *Model) vector(text string) []float32 {
	if v, ok := m.vectors[text]; ok {
		return append([]float32(nil), v...)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	v := make([]float32, m.dim)
	var norm float64
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		x := float64(int64(seed>>11))/float64(1<<52) - 1
		v[i] = float32(x)
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range v {
			v[i] = float32(float64(v[i]) / norm)
		}
	}
	return v
}
