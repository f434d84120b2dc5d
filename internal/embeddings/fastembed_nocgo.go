//go:build !cgo

package embeddings

import (
	"context"
	"errors"
)

// ErrFastEmbedNotAvailable is returned by binaries built without cgo.
var ErrFastEmbedNotAvailable = errors.New("fastembed: not available (binary built without CGO support, use the tei or openai provider instead)")

// FastEmbedConfig holds configuration for the local ONNX model.
type FastEmbedConfig struct {
	Model     string
	CacheDir  string
	MaxLength int
	Dimension int
	BatchSize int
}

// FastEmbedModel is a stub for non-cgo builds.
type FastEmbedModel struct{}

// NewFastEmbedModel always fails without cgo.
func NewFastEmbedModel(_ FastEmbedConfig) (*FastEmbedModel, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (m *FastEmbedModel) Embed(_ context.Context, _ string) ([]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (m *FastEmbedModel) EmbedBatch(_ context.Context, _ []string) ([][]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (m *FastEmbedModel) Dimension() int { return 0 }

func (m *FastEmbedModel) Close() error { return nil }
