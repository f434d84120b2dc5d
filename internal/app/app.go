// Package app builds the components shared by the reviewrag daemon and the
// reviewctl CLI from a loaded configuration.
package app

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewrag/internal/config"
	"github.com/fyrsmithlabs/reviewrag/internal/embeddings"
	"github.com/fyrsmithlabs/reviewrag/internal/events"
	"github.com/fyrsmithlabs/reviewrag/internal/logging"
	"github.com/fyrsmithlabs/reviewrag/internal/telemetry"
)

// NewLogger builds the process logger from the observability section.
func NewLogger(cfg *config.Config) (*logging.Logger, error) {
	lc, err := logging.ConfigFromSettings(cfg.Observability)
	if err != nil {
		return nil, fmt.Errorf("logging config: %w", err)
	}
	logger, err := logging.NewLogger(lc, global.GetLoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	return logger, nil
}

// NewTelemetry starts tracing and metrics export. Exporter failures leave
// telemetry degraded and are logged, never returned.
func NewTelemetry(ctx context.Context, cfg *config.Config, version string, logger *logging.Logger) (*telemetry.Telemetry, error) {
	tel, err := telemetry.New(ctx, telemetry.ConfigFromSettings(cfg.Observability, version))
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	if degraded, reasons := tel.Degraded(); degraded {
		logger.Warn(ctx, "telemetry degraded", zap.Strings("reasons", reasons))
	}
	return tel, nil
}

// ModelOptions selects the decorators applied by OpenModel.
type ModelOptions struct {
	// Cache wraps the model with the badger query cache when the cache
	// section enables it.
	Cache bool
}

// OpenModel creates the configured embedding model, instrumented with
// metrics and optionally cached.
func OpenModel(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, logger *logging.Logger, opts ModelOptions) (embeddings.Model, error) {
	base, err := embeddings.NewModel(cfg.Embeddings, cfg.Store.Dimension)
	if err != nil {
		return nil, fmt.Errorf("embedding model: %w", err)
	}

	metrics := embeddings.NewMetrics(tel.Meter("github.com/fyrsmithlabs/reviewrag/internal/embeddings"), logger.Underlying())
	var model embeddings.Model = embeddings.Instrument(base, cfg.Embeddings.Provider, metrics)

	if opts.Cache && cfg.Cache.Enabled {
		cached, err := embeddings.NewCachedModel(model, embeddings.CacheConfig{
			Dir:       cfg.Cache.Path,
			TTL:       cfg.Cache.TTL.Duration(),
			Namespace: cfg.Embeddings.Provider + "/" + cfg.Embeddings.Model,
		}, logger.Named("embedding-cache"))
		if err != nil {
			_ = model.Close()
			return nil, err
		}
		model = cached
	}

	logger.Info(ctx, "embedding model ready",
		zap.String("provider", cfg.Embeddings.Provider),
		zap.String("model", cfg.Embeddings.Model),
		zap.Int("dimension", model.Dimension()),
		zap.Bool("cached", opts.Cache && cfg.Cache.Enabled))
	return model, nil
}

// NewPublisher connects to NATS when run events are enabled and returns a
// discarding publisher otherwise.
func NewPublisher(ctx context.Context, cfg *config.Config, logger *logging.Logger) (events.Publisher, error) {
	if !cfg.Events.Enabled {
		return events.Nop{}, nil
	}
	pub, err := events.Connect(cfg.Events.URL, cfg.Events.SubjectPrefix)
	if err != nil {
		return nil, err
	}
	logger.Info(ctx, "publishing run events",
		zap.String("url", cfg.Events.URL),
		zap.String("subject_prefix", cfg.Events.SubjectPrefix))
	return pub, nil
}
