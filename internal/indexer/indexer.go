// Package indexer embeds cleaned records in batches and writes them into a
// new store generation, activating it once every batch has been committed.
//
// A run is resumable: on failure the returned *rag.IndexingError names the
// generation and the last committed record id, and a later run with
// Options.Generation and Options.AfterID continues from there.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewrag/internal/embeddings"
	"github.com/fyrsmithlabs/reviewrag/internal/events"
	"github.com/fyrsmithlabs/reviewrag/internal/logging"
	"github.com/fyrsmithlabs/reviewrag/internal/rag"
	"github.com/fyrsmithlabs/reviewrag/internal/store"
)

const instrumentationName = "github.com/fyrsmithlabs/reviewrag/internal/indexer"

// DefaultBatchSize is used when Options.BatchSize is not positive.
const DefaultBatchSize = 100

var (
	// ErrInvalidOptions is returned before any work when Options are inconsistent.
	ErrInvalidOptions = errors.New("invalid indexer options")
	// ErrBatchMismatch is returned when the model answers a batch with the
	// wrong number of vectors or a wrong dimension.
	ErrBatchMismatch = errors.New("embedding batch mismatch")
)

// Source pages cleaned records in ascending id order.
type Source interface {
	ListCleanedAfter(ctx context.Context, afterID string, limit int) ([]rag.CleanedRecord, error)
}

// BatchProgress is reported after each committed batch.
type BatchProgress struct {
	Generation string
	Batch      int
	Size       int
	// Processed counts every record committed to the generation, including
	// those of the run being resumed.
	Processed int
	LastID    string
}

// Options configures one run.
type Options struct {
	BatchSize int
	// Generation resumes an inactive generation instead of starting a new one.
	Generation string
	// AfterID skips records up to and including this id. Requires Generation.
	AfterID  string
	Progress func(BatchProgress)
}

// Result describes a successful run.
type Result struct {
	RunID      string
	Generation string
	// Indexed is the number of records written by this run; Total also
	// counts those committed before a resume.
	Indexed  int
	Total    int
	Batches  int
	Duration time.Duration
}

// Indexer runs embedding jobs. It is not safe to call Run concurrently on
// the same store.
type Indexer struct {
	source    Source
	index     store.Index
	model     embeddings.Model
	publisher events.Publisher
	logger    *logging.Logger
	metrics   *metrics
}

// New creates an Indexer. A nil publisher discards run events.
func New(source Source, index store.Index, model embeddings.Model, publisher events.Publisher, logger *logging.Logger) *Indexer {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Indexer{
		source:    source,
		index:     index,
		model:     model,
		publisher: publisher,
		logger:    logger.Named("indexer"),
		metrics:   newMetrics(otel.Meter(instrumentationName), logger.Underlying()),
	}
}

// Run embeds every cleaned record after opts.AfterID and activates the
// generation. An empty source activates an empty generation.
func (ix *Indexer) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.AfterID != "" && opts.Generation == "" {
		return nil, fmt.Errorf("%w: a resume cursor needs the generation to resume", ErrInvalidOptions)
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	ctx, span := otel.Tracer(instrumentationName).Start(ctx, "indexer.Run")
	defer span.End()

	start := time.Now()
	w, err := ix.openWriter(ctx, opts.Generation)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "open generation")
		return nil, &rag.IndexingError{Generation: opts.Generation, LastID: opts.AfterID, Err: err}
	}

	// A resumed generation already holds the records of earlier runs.
	var base int
	if opts.Generation != "" {
		if base, err = w.Count(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "count generation")
			return nil, &rag.IndexingError{
				Generation: opts.Generation,
				LastID:     opts.AfterID,
				Err:        fmt.Errorf("counting committed records: %w", err),
			}
		}
	}

	run := &runState{
		ix:         ix,
		id:         events.NewRunID(),
		generation: w.Generation(),
		base:       base,
		lastID:     opts.AfterID,
	}
	span.SetAttributes(
		attribute.String("generation", run.generation),
		attribute.String("run_id", run.id),
		attribute.Int("batch_size", batchSize),
	)
	logger := ix.logger.With(zap.String("generation", run.generation), zap.String("run_id", run.id))
	logger.Info(ctx, "indexing started",
		zap.Bool("resumed", opts.Generation != ""),
		zap.String("after_id", opts.AfterID),
		zap.Int("already_committed", base))
	run.publish(ctx, events.KindStarted, nil)

	for {
		if err := ctx.Err(); err != nil {
			return nil, run.fail(ctx, span, err)
		}

		batch, err := ix.source.ListCleanedAfter(ctx, run.lastID, batchSize)
		if err != nil {
			return nil, run.fail(ctx, span, fmt.Errorf("reading records: %w", err))
		}
		if len(batch) == 0 {
			break
		}

		batchStart := time.Now()
		if err := ix.indexBatch(ctx, w, batch); err != nil {
			ix.metrics.recordBatch(ctx, len(batch), time.Since(batchStart), err)
			return nil, run.fail(ctx, span, err)
		}
		ix.metrics.recordBatch(ctx, len(batch), time.Since(batchStart), nil)

		run.batches++
		run.processed += len(batch)
		run.lastID = batch[len(batch)-1].ID

		logger.Debug(ctx, "batch committed",
			zap.Int("batch", run.batches),
			zap.Int("size", len(batch)),
			zap.Int("processed", run.processed))
		run.publish(ctx, events.KindBatch, nil)
		if opts.Progress != nil {
			opts.Progress(BatchProgress{
				Generation: run.generation,
				Batch:      run.batches,
				Size:       len(batch),
				Processed:  run.committed(),
				LastID:     run.lastID,
			})
		}

		if len(batch) < batchSize {
			break
		}
	}

	if err := w.Activate(ctx); err != nil {
		return nil, run.fail(ctx, span, fmt.Errorf("activating generation: %w", err))
	}

	res := &Result{
		RunID:      run.id,
		Generation: run.generation,
		Indexed:    run.processed,
		Total:      run.committed(),
		Batches:    run.batches,
		Duration:   time.Since(start),
	}
	span.SetAttributes(attribute.Int("indexed", res.Indexed))
	logger.Info(ctx, "indexing completed",
		zap.Int("indexed", res.Indexed),
		zap.Int("total", res.Total),
		zap.Int("batches", res.Batches),
		zap.Duration("duration", res.Duration))
	run.publish(ctx, events.KindCompleted, nil)
	return res, nil
}

func (ix *Indexer) openWriter(ctx context.Context, generation string) (store.Writer, error) {
	if generation == "" {
		return ix.index.NewGeneration(ctx)
	}
	return ix.index.ResumeGeneration(ctx, generation)
}

// indexBatch embeds one batch with a single model call and writes it with a
// single atomic store call.
func (ix *Indexer) indexBatch(ctx context.Context, w store.Writer, batch []rag.CleanedRecord) error {
	texts := make([]string, len(batch))
	for i, r := range batch {
		texts[i] = r.Text
	}

	embedStart := time.Now()
	vectors, err := ix.model.EmbedBatch(ctx, texts)
	if err != nil {
		return &rag.EmbeddingError{Op: "embed_batch", Err: err}
	}
	ix.logger.Trace(ctx, "batch embedded",
		zap.String("first_id", batch[0].ID),
		zap.String("last_id", batch[len(batch)-1].ID),
		zap.Int("size", len(batch)),
		zap.Duration("embed_duration", time.Since(embedStart)))
	if len(vectors) != len(batch) {
		return fmt.Errorf("%w: got %d vectors for %d records", ErrBatchMismatch, len(vectors), len(batch))
	}

	dim := ix.model.Dimension()
	entries := make([]store.Entry, len(batch))
	for i, r := range batch {
		if err := rag.ValidateVector(vectors[i], dim); err != nil {
			return fmt.Errorf("%w: record %q: %v", ErrBatchMismatch, r.ID, err)
		}
		entries[i] = store.Entry{ID: r.ID, Text: r.Text, Vector: vectors[i]}
	}

	if err := w.WriteBatch(ctx, entries); err != nil {
		return &rag.StoreError{Op: "write_batch", Err: err}
	}
	return nil
}
