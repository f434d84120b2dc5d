// Package retrieval turns store hits into ranked matches.
package retrieval

import (
	"context"
	"strconv"

	"github.com/fyrsmithlabs/reviewrag/internal/rag"
	"github.com/fyrsmithlabs/reviewrag/internal/store"
)

// Retriever searches the active generation of an index.
type Retriever struct {
	index store.Index
}

// New creates a Retriever over index.
func New(index store.Index) *Retriever {
	return &Retriever{index: index}
}

// Search returns at most k matches ordered by descending similarity, then
// ascending id. Similarity is the negated store distance.
func (r *Retriever) Search(ctx context.Context, vec []float32, k int) ([]rag.RetrievedMatch, error) {
	if k <= 0 {
		return nil, rag.NewValidationError("top_k", strconv.Itoa(k), "must be a positive integer")
	}

	hits, err := r.index.Search(ctx, vec, k)
	if err != nil {
		return nil, &rag.StoreError{Op: "search", Err: err}
	}

	hits = store.SortHits(hits, k)

	matches := make([]rag.RetrievedMatch, len(hits))
	for i, h := range hits {
		matches[i] = rag.RetrievedMatch{
			ID:              h.ID,
			Text:            h.Text,
			SimilarityScore: -h.Distance,
		}
	}
	return matches, nil
}
