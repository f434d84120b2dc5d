package embeddings

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/reviewrag/internal/embeddings"

// Metrics holds embedding instruments.
type Metrics struct {
	logger    *zap.Logger
	duration  metric.Float64Histogram
	batchSize metric.Int64Histogram
	errors    metric.Int64Counter
}

// NewMetrics registers embedding instruments on meter.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	m := &Metrics{logger: logger}
	var err error

	m.duration, err = meter.Float64Histogram(
		"reviewrag.embedding.duration_seconds",
		metric.WithDescription("Duration of embedding calls in seconds, labeled by model and operation (embed, embed_batch)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		m.logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.batchSize, err = meter.Int64Histogram(
		"reviewrag.embedding.batch_size",
		metric.WithDescription("Number of texts per embedding call"),
		metric.WithUnit("{text}"),
		metric.WithExplicitBucketBoundaries(1, 2, 5, 10, 25, 50, 100, 250, 500),
	)
	if err != nil {
		m.logger.Warn("failed to create batch size histogram", zap.Error(err))
	}

	m.errors, err = meter.Int64Counter(
		"reviewrag.embedding.errors_total",
		metric.WithDescription("Total embedding failures by model and operation"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		m.logger.Warn("failed to create errors counter", zap.Error(err))
	}
	return m
}

// Record records one embedding call.
func (m *Metrics) Record(ctx context.Context, model, operation string, duration time.Duration, batchSize int, err error) {
	attrs := metric.WithAttributes(
		attribute.String("model", model),
		attribute.String("operation", operation),
	)
	if m.duration != nil {
		m.duration.Record(ctx, duration.Seconds(), attrs)
	}
	if batchSize > 0 && m.batchSize != nil {
		m.batchSize.Record(ctx, int64(batchSize), attrs)
	}
	if err != nil && m.errors != nil {
		m.errors.Add(ctx, 1, attrs)
	}
}

// InstrumentedModel records metrics around every call of the wrapped model.
type InstrumentedModel struct {
	Model

	name    string
	metrics *Metrics
}

// Instrument wraps m so that every call is measured under name.
func Instrument(m Model, name string, metrics *Metrics) *InstrumentedModel {
	return &InstrumentedModel{Model: m, name: name, metrics: metrics}
}

func (i *InstrumentedModel) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	v, err := i.Model.Embed(ctx, text)
	i.metrics.Record(ctx, i.name, "embed", time.Since(start), 1, err)
	return v, err
}

func (i *InstrumentedModel) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	v, err := i.Model.EmbedBatch(ctx, texts)
	i.metrics.Record(ctx, i.name, "embed_batch", time.Since(start), len(texts), err)
	return v, err
}
