// Package embeddings turns review and query text into fixed-size vectors.
//
// Three providers are supported: local ONNX inference through fastembed,
// a HuggingFace text-embeddings-inference server, and any OpenAI-compatible
// embeddings endpoint. Every provider returns vectors of the configured
// dimension. The same model must be used for indexing and querying.
package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/reviewrag/internal/config"
	"github.com/fyrsmithlabs/reviewrag/internal/rag"
)

var (
	// ErrEmptyInput indicates empty or nil input texts.
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmbeddingFailed indicates the provider could not produce vectors.
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Model produces embeddings. Implementations are safe for concurrent use.
type Model interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the vector size.
	Dimension() int
	// Close releases resources held by the model.
	Close() error
}

// NewModel creates the model selected by cfg.Provider.
func NewModel(cfg config.EmbeddingsConfig, dimension int) (Model, error) {
	var (
		m   Model
		err error
	)
	switch cfg.Provider {
	case "fastembed", "":
		m, err = NewFastEmbedModel(FastEmbedConfig{
			Model:     cfg.Model,
			CacheDir:  cfg.CacheDir,
			Dimension: dimension,
		})
	case "tei":
		m, err = NewTEIModel(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: dimension,
			Timeout:   cfg.Timeout.Duration(),
		})
	case "openai":
		m, err = NewOpenAIModel(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: dimension,
			Timeout:   cfg.Timeout.Duration(),
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// checkBatch verifies that a provider answered with one valid vector per
// input.
func checkBatch(vectors [][]float32, inputs, dimension int) error {
	if len(vectors) != inputs {
		return fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmbeddingFailed, len(vectors), inputs)
	}
	for i, v := range vectors {
		if err := rag.ValidateVector(v, dimension); err != nil {
			return fmt.Errorf("%w: vector %d: %w", ErrEmbeddingFailed, i, err)
		}
	}
	return nil
}

func checkInputs(texts []string) error {
	if len(texts) == 0 {
		return fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	for i, t := range texts {
		if t == "" {
			return fmt.Errorf("%w: text %d is empty", ErrEmptyInput, i)
		}
	}
	return nil
}

func firstVector(vectors [][]float32, err error) ([]float32, error) {
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}
