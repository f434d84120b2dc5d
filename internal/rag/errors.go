package rag

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is. Each typed error below unwraps to its
// sentinel and to its cause.
var (
	ErrValidation            = errors.New("invalid request")
	ErrEmbedding             = errors.New("embedding failed")
	ErrStore                 = errors.New("store unavailable")
	ErrNoMatch               = errors.New("no matches found")
	ErrGenerationUnavailable = errors.New("generation unavailable")
	ErrIndexing              = errors.New("indexing failed")

	// ErrMalformedVector is returned for vectors with the wrong dimension or
	// non-finite components.
	ErrMalformedVector = errors.New("malformed vector")
)

// ValidationError reports a bad request field. Value is kept for logs and
// is never part of Error().
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// EmbeddingError wraps a model inference failure.
type EmbeddingError struct {
	Op  string
	Err error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding: %s: %v", e.Op, e.Err)
}

func (e *EmbeddingError) Unwrap() []error { return []error{ErrEmbedding, e.Err} }

// StoreError wraps a store connectivity or query failure, including
// malformed vector input.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() []error { return []error{ErrStore, e.Err} }

// NoMatchError reports a valid query with an empty result set.
type NoMatchError struct{}

func (e *NoMatchError) Error() string { return ErrNoMatch.Error() }

func (e *NoMatchError) Unwrap() error { return ErrNoMatch }

// GenerationError wraps a failure of the answer-generation capability,
// including timeouts.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation: %v", e.Err)
}

func (e *GenerationError) Unwrap() []error { return []error{ErrGenerationUnavailable, e.Err} }

// IndexingError aborts an indexing run. Offset counts the records committed
// to the generation before the failure, including those of earlier runs
// that this one resumed. LastID is the cursor to resume after.
type IndexingError struct {
	Generation string
	Offset     int
	LastID     string
	Err        error
}

func (e *IndexingError) Error() string {
	return fmt.Sprintf("indexing: generation %s: failed after %d records (last id %q): %v",
		e.Generation, e.Offset, e.LastID, e.Err)
}

func (e *IndexingError) Unwrap() []error { return []error{ErrIndexing, e.Err} }
