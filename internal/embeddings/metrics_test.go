package embeddings

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewrag/internal/embeddings/embeddingstest"
	"github.com/fyrsmithlabs/reviewrag/internal/telemetry"
)

func TestInstrumentedModel_RecordsMetrics(t *testing.T) {
	ctx := context.Background()
	tel := telemetry.NewTestTelemetry()
	metrics := NewMetrics(tel.Meter(instrumentationName), zap.NewNop())

	inner := embeddingstest.New(4)
	m := Instrument(inner, "fake", metrics)

	_, err := m.Embed(ctx, "q")
	require.NoError(t, err)
	_, err = m.EmbedBatch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)

	inner.Err = errors.New("boom")
	_, err = m.Embed(ctx, "q")
	require.Error(t, err)

	names := tel.MetricNames(ctx)
	assert.Contains(t, names, "reviewrag.embedding.duration_seconds")
	assert.Contains(t, names, "reviewrag.embedding.batch_size")
	assert.Contains(t, names, "reviewrag.embedding.errors_total")
	assert.Equal(t, 4, m.Dimension())
}
