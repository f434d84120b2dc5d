package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/reviewrag/internal/app"
	"github.com/fyrsmithlabs/reviewrag/internal/config"
	"github.com/fyrsmithlabs/reviewrag/internal/ingest"
	"github.com/fyrsmithlabs/reviewrag/internal/logging"
	"github.com/fyrsmithlabs/reviewrag/internal/store/backends"
)

// localEnv is what commands that work on the store directly need.
type localEnv struct {
	cfg    *config.Config
	logger *logging.Logger
	stores *backends.Backends
}

func (e *localEnv) Close() error {
	err := e.stores.Close()
	_ = e.logger.Sync()
	return err
}

// openLocal loads configuration and opens the store. CLI logs are console
// formatted and quiet unless --verbose is set.
func openLocal(ctx context.Context, opts *globalOptions) (*localEnv, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	cfg.Observability.LogFormat = "console"
	if opts.verbose {
		cfg.Observability.LogLevel = "debug"
	} else {
		cfg.Observability.LogLevel = "warn"
	}

	logger, err := app.NewLogger(cfg)
	if err != nil {
		return nil, err
	}

	stores, err := backends.Open(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	return &localEnv{cfg: cfg, logger: logger, stores: stores}, nil
}

func newIngestCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest <file.jsonl>",
		Short: "Load JSON-lines reviews into the raw records table",
		Long: `Load one JSON object per line into the raw records table, replacing its
previous contents. Each line needs review_id and may carry product_id,
review_text, rating and timestamp. Use - to read from stdin.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ctx := cmd.Context()

			in := cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", args[0], err)
				}
				defer f.Close()
				in = f
			}

			records, err := ingest.LoadJSONLines(in)
			if err != nil {
				return err
			}

			env, err := openLocal(ctx, opts)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, env.Close()) }()

			n, err := env.stores.Records.ReplaceRaw(ctx, records)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d records (%d lines read)\n", n, len(records))
			return nil
		},
	}
}

func newPreprocessCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "preprocess",
		Short: "Clean raw reviews into the cleaned records table",
		Long: `Lowercase, collapse whitespace, strip punctuation and trim every raw
review, drop duplicate ids and empty texts, then atomically replace the
cleaned records table.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			env, err := openLocal(ctx, opts)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, env.Close()) }()

			stats, err := ingest.Preprocess(ctx, env.stores.Records, env.stores.Records)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Read %d, duplicates %d, empty %d, written %d\n",
				stats.Read, stats.Duplicates, stats.Empty, stats.Written)
			return nil
		},
	}
}

func newDBCheckCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dbcheck",
		Short: "Check that the store database answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			env, err := openLocal(ctx, opts)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, env.Close()) }()

			if err := env.stores.Records.Ping(ctx); err != nil {
				return fmt.Errorf("database check failed: %w", err)
			}
			if env.stores.Index != nil {
				if err := env.stores.Index.Ping(ctx); err != nil {
					return fmt.Errorf("index check failed: %w", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Database connection successful")
			return nil
		},
	}
}
