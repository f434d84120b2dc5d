//go:build cgo

package embeddings

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	fastembed "github.com/anush008/fastembed-go"
)

// FastEmbedConfig holds configuration for the local ONNX model.
type FastEmbedConfig struct {
	// Model is a HuggingFace or fastembed model name.
	// Defaults to sentence-transformers/all-MiniLM-L6-v2.
	Model string

	// CacheDir is where model files are downloaded.
	CacheDir string

	// MaxLength is the maximum input sequence length. Defaults to 512.
	MaxLength int

	// Dimension is the expected output size. Zero accepts the model's own.
	Dimension int

	// BatchSize bounds a single ONNX run. Defaults to 256.
	BatchSize int
}

var modelMapping = map[string]fastembed.EmbeddingModel{
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"fast-all-MiniLM-L6-v2":                  fastembed.AllMiniLML6V2,
	"fast-bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"fast-bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
}

var modelDimensions = map[fastembed.EmbeddingModel]int{
	fastembed.AllMiniLML6V2: 384,
	fastembed.BGESmallENV15: 384,
	fastembed.BGESmallEN:    384,
	fastembed.BGEBaseENV15:  768,
	fastembed.BGEBaseEN:     768,
}

// FastEmbedModel runs embedding inference in-process.
type FastEmbedModel struct {
	mu        sync.RWMutex
	model     *fastembed.FlagEmbedding
	dimension int
	batchSize int
}

// NewFastEmbedModel loads the configured model, downloading it on first use.
func NewFastEmbedModel(cfg FastEmbedConfig) (*FastEmbedModel, error) {
	name := cfg.Model
	if name == "" {
		name = "sentence-transformers/all-MiniLM-L6-v2"
	}
	model, ok := modelMapping[name]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported fastembed model %q", ErrInvalidConfig, name)
	}

	dimension := modelDimensions[model]
	if cfg.Dimension != 0 && cfg.Dimension != dimension {
		return nil, fmt.Errorf("%w: model %q produces %d dimensions, store expects %d",
			ErrInvalidConfig, name, dimension, cfg.Dimension)
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(".", "local_cache")
	}
	maxLength := cfg.MaxLength
	if maxLength == 0 {
		maxLength = 512
	}
	batchSize := cfg.BatchSize
	if batchSize == 0 {
		batchSize = 256
	}

	showProgress := false
	flagEmbed, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            maxLength,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing fastembed: %w", err)
	}

	return &FastEmbedModel{
		model:     flagEmbed,
		dimension: dimension,
		batchSize: batchSize,
	}, nil
}

// Embed returns the vector for text.
func (m *FastEmbedModel) Embed(ctx context.Context, text string) ([]float32, error) {
	return firstVector(m.EmbedBatch(ctx, []string{text}))
}

// EmbedBatch embeds texts without a query or passage prefix so that indexed
// reviews and incoming questions share one vector space.
func (m *FastEmbedModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := checkInputs(texts); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.model == nil {
		return nil, fmt.Errorf("%w: model is closed", ErrEmbeddingFailed)
	}

	vectors, err := m.model.Embed(texts, m.batchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if err := checkBatch(vectors, len(texts), m.dimension); err != nil {
		return nil, err
	}
	return vectors, nil
}

// Dimension returns the model's output size.
func (m *FastEmbedModel) Dimension() int {
	return m.dimension
}

// Close releases the ONNX session.
func (m *FastEmbedModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.model == nil {
		return nil
	}
	err := m.model.Destroy()
	m.model = nil
	return err
}
