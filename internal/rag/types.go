// Package rag holds the data model and error taxonomy shared by the
// indexing pipeline and the query path.
package rag

import (
	"fmt"
	"math"
)

// DefaultDimension is the output size of sentence-transformers/all-MiniLM-L6-v2.
const DefaultDimension = 384

// Query defaults applied by transports when the caller omits a field.
const (
	DefaultTopK        = 5
	DefaultTemperature = 0.7
	MinTemperature     = 0.0
	MaxTemperature     = 2.0
)

// RawRecord is one line of the ingestion input.
type RawRecord struct {
	ID        string  `json:"review_id"`
	ProductID string  `json:"product_id"`
	Text      string  `json:"review_text"`
	Rating    float64 `json:"rating"`
	Timestamp int64   `json:"timestamp"`
}

// CleanedRecord is a normalized record ready for embedding.
type CleanedRecord struct {
	ID   string
	Text string
}

// EmbeddingRecord maps a record id to its vector.
type EmbeddingRecord struct {
	ID     string
	Vector []float32
}

// QueryRequest is a single question against the index.
type QueryRequest struct {
	QueryText   string
	TopK        int
	Temperature float64
}

// RetrievedMatch is one ranked result. GeneratedAnswer is only set on the
// top-ranked match of an AnswerResult.
type RetrievedMatch struct {
	ID              string
	Text            string
	SimilarityScore float64
	GeneratedAnswer *string
}

// AnswerResult is the outcome of a successful query, ordered by descending
// similarity.
type AnswerResult struct {
	Matches []RetrievedMatch
}

// Answer returns the generated answer carried by the top match, if any.
func (r *AnswerResult) Answer() (string, bool) {
	if r == nil || len(r.Matches) == 0 || r.Matches[0].GeneratedAnswer == nil {
		return "", false
	}
	return *r.Matches[0].GeneratedAnswer, true
}

// ValidateVector checks that v has exactly dim components and that every
// component is a finite number.
func ValidateVector(v []float32, dim int) error {
	if len(v) != dim {
		return fmt.Errorf("%w: got %d components, want %d", ErrMalformedVector, len(v), dim)
	}
	for i, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("%w: component %d is not finite", ErrMalformedVector, i)
		}
	}
	return nil
}
