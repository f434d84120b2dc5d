package indexer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

type metrics struct {
	records  metric.Int64Counter
	batches  metric.Int64Counter
	duration metric.Float64Histogram
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *metrics {
	m := &metrics{}
	var err error

	m.records, err = meter.Int64Counter(
		"reviewrag.indexer.records_total",
		metric.WithDescription("Records embedded and committed"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		logger.Warn("failed to create records counter", zap.Error(err))
	}

	m.batches, err = meter.Int64Counter(
		"reviewrag.indexer.batches_total",
		metric.WithDescription("Indexing batches by status"),
		metric.WithUnit("{batch}"),
	)
	if err != nil {
		logger.Warn("failed to create batches counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"reviewrag.indexer.batch_duration_seconds",
		metric.WithDescription("Time to embed and commit one batch"),
		metric.WithUnit("s"),
	)
	if err != nil {
		logger.Warn("failed to create batch duration histogram", zap.Error(err))
	}
	return m
}

func (m *metrics) recordBatch(ctx context.Context, size int, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	if m.batches != nil {
		m.batches.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, d.Seconds(), attrs)
	}
	if err == nil && m.records != nil {
		m.records.Add(ctx, int64(size))
	}
}
