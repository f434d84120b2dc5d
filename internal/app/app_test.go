package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/reviewrag/internal/config"
	"github.com/fyrsmithlabs/reviewrag/internal/embeddings"
	"github.com/fyrsmithlabs/reviewrag/internal/events"
	"github.com/fyrsmithlabs/reviewrag/internal/logging"
)

func TestNewLogger(t *testing.T) {
	cfg := config.Default()
	logger, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.NotNil(t, logger)

	cfg.Observability.LogLevel = "loud"
	_, err = NewLogger(cfg)
	assert.Error(t, err)
}

func TestNewTelemetry_Disabled(t *testing.T) {
	ctx := context.Background()
	tel, err := NewTelemetry(ctx, config.Default(), "test", logging.NewNop())
	require.NoError(t, err)
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestOpenModel_TEIWithCache(t *testing.T) {
	ctx := context.Background()
	cfg := config.Default()
	cfg.Embeddings.Provider = "tei"
	cfg.Embeddings.BaseURL = "http://127.0.0.1:1"
	cfg.Cache.Enabled = true

	model, err := OpenModel(ctx, cfg, nil, logging.NewNop(), ModelOptions{Cache: true})
	require.NoError(t, err)
	defer model.Close()

	_, ok := model.(*embeddings.CachedModel)
	assert.True(t, ok)
	assert.Equal(t, cfg.Store.Dimension, model.Dimension())
}

func TestOpenModel_NoCacheForBatchJobs(t *testing.T) {
	cfg := config.Default()
	cfg.Embeddings.Provider = "tei"
	cfg.Embeddings.BaseURL = "http://127.0.0.1:1"
	cfg.Cache.Enabled = true

	model, err := OpenModel(context.Background(), cfg, nil, logging.NewNop(), ModelOptions{})
	require.NoError(t, err)
	defer model.Close()

	_, ok := model.(*embeddings.InstrumentedModel)
	assert.True(t, ok)
}

func TestOpenModel_UnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.Embeddings.Provider = "word2vec"

	_, err := OpenModel(context.Background(), cfg, nil, logging.NewNop(), ModelOptions{})
	assert.ErrorIs(t, err, embeddings.ErrInvalidConfig)
}

func TestNewPublisher_Disabled(t *testing.T) {
	pub, err := NewPublisher(context.Background(), config.Default(), logging.NewNop())
	require.NoError(t, err)
	assert.IsType(t, events.Nop{}, pub)
}
