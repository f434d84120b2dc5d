package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/reviewrag/internal/app"
	"github.com/fyrsmithlabs/reviewrag/internal/indexer"
	"github.com/fyrsmithlabs/reviewrag/internal/rag"
)

func newIndexCmd(opts *globalOptions) *cobra.Command {
	var (
		batchSize  int
		generation string
		afterID    string
	)

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Embed cleaned reviews into a new index generation",
		Long: `Embed every cleaned review in batches and write them into a new
generation, which replaces the active one once every batch is committed.

A failed run prints the generation and the last committed id. Pass both
back to continue where it stopped:

  reviewctl index --resume-generation <id> --after <record id>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			env, err := openLocal(ctx, opts)
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, env.Close()) }()

			model, err := app.OpenModel(ctx, env.cfg, nil, env.logger, app.ModelOptions{})
			if err != nil {
				return err
			}
			defer func() { _ = model.Close() }()

			pub, err := app.NewPublisher(ctx, env.cfg, env.logger)
			if err != nil {
				return err
			}
			defer func() { _ = pub.Close() }()

			if batchSize <= 0 {
				batchSize = env.cfg.Indexer.BatchSize
			}

			out := cmd.OutOrStdout()
			ix := indexer.New(env.stores.Records, env.stores.Index, model, pub, env.logger)
			res, err := ix.Run(ctx, indexer.Options{
				BatchSize:  batchSize,
				Generation: generation,
				AfterID:    afterID,
				Progress: func(p indexer.BatchProgress) {
					fmt.Fprintf(out, "batch %d: %d records (total %d, last id %s)\n", p.Batch, p.Size, p.Processed, p.LastID)
				},
			})
			if err != nil {
				var ierr *rag.IndexingError
				if errors.As(err, &ierr) && ierr.Generation != "" {
					fmt.Fprintf(cmd.ErrOrStderr(), "Indexing stopped after %d records. Resume with:\n  reviewctl index --resume-generation %s --after %q\n",
						ierr.Offset, ierr.Generation, ierr.LastID)
				}
				return err
			}

			fmt.Fprintf(out, "Indexed %d records in %d batches into generation %s (%d total, %s)\n",
				res.Indexed, res.Batches, res.Generation, res.Total, res.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "records per embedding batch (default from config)")
	cmd.Flags().StringVar(&generation, "resume-generation", "", "inactive generation to resume")
	cmd.Flags().StringVar(&afterID, "after", "", "resume after this record id (requires --resume-generation)")
	return cmd
}
