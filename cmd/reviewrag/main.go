// Reviewrag is the query daemon. It answers questions about product reviews
// over HTTP using the active embedding generation.
//
// Configuration is read from an optional YAML file and REVIEWRAG_*
// environment variables. See internal/config for details.
//
// Usage:
//
//	# Start server with defaults
//	reviewrag
//
//	# Use a config file and override the port
//	REVIEWRAG_SERVER_PORT=9090 reviewrag -config /etc/reviewrag/config.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewrag/internal/app"
	"github.com/fyrsmithlabs/reviewrag/internal/config"
	httpserver "github.com/fyrsmithlabs/reviewrag/internal/http"
	"github.com/fyrsmithlabs/reviewrag/internal/query"
	"github.com/fyrsmithlabs/reviewrag/internal/retrieval"
	"github.com/fyrsmithlabs/reviewrag/internal/store/backends"
	"github.com/fyrsmithlabs/reviewrag/internal/synth"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  reviewrag           Start the query daemon\n")
			fmt.Fprintf(os.Stderr, "  reviewrag version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}
}

func printVersion() {
	fmt.Printf("reviewrag by Fyrsmith Labs\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run wires every component and serves until ctx is cancelled:
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Opens the store and the embedding model
//  4. Builds the completer, synthesizer and query service
//  5. Serves HTTP and shuts down gracefully
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger, err := app.NewLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	tel, err := app.NewTelemetry(ctx, cfg, version, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn(context.Background(), "telemetry shutdown", zap.Error(err))
		}
	}()

	logger.Info(ctx, "starting reviewrag",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Backend),
		zap.String("embeddings", cfg.Embeddings.Provider))

	stores, err := backends.Open(ctx, cfg.Store, logger)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer func() { _ = stores.Close() }()

	model, err := app.OpenModel(ctx, cfg, tel, logger, app.ModelOptions{Cache: true})
	if err != nil {
		return err
	}
	defer func() { _ = model.Close() }()

	completer, err := synth.NewOpenAICompleter(synth.OpenAIConfig{
		Model:     cfg.Generation.Model,
		BaseURL:   cfg.Generation.BaseURL,
		APIKey:    cfg.Generation.APIKey.Value(),
		RateLimit: cfg.Generation.RateLimit,
		RateBurst: cfg.Generation.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("generation: %w", err)
	}
	synthesizer := synth.New(completer, synth.Config{
		MaxTokens: cfg.Generation.MaxTokens,
		Timeout:   cfg.Generation.Timeout.Duration(),
	}, logger)

	svc := query.NewService(model, retrieval.New(stores.Index), synthesizer, logger, query.WithTelemetry(tel))

	srv, err := httpserver.NewServer(svc, stores.Index, logger, &httpserver.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	})
	if err != nil {
		return err
	}

	if gen, err := stores.Index.ActiveGeneration(ctx); err == nil && gen == "" {
		logger.Warn(ctx, "no active generation, queries will return no matches until reviewctl index runs")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info(shutdownCtx, "server shutdown complete")
	return nil
}
