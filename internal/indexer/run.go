package indexer

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewrag/internal/events"
	"github.com/fyrsmithlabs/reviewrag/internal/rag"
)

// runState tracks the committed progress of one run.
type runState struct {
	ix         *Indexer
	id         string
	generation string
	// base is what the generation held before this run.
	base      int
	processed int
	batches   int
	lastID    string
}

// committed is the generation-wide count of committed records.
func (r *runState) committed() int { return r.base + r.processed }

func (r *runState) publish(ctx context.Context, kind events.Kind, cause error) {
	ev := events.Event{
		RunID:      r.id,
		Kind:       kind,
		Generation: r.generation,
		Processed:  r.committed(),
		LastID:     r.lastID,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if err := r.ix.publisher.Publish(ctx, ev); err != nil {
		r.ix.logger.Warn(ctx, "failed to publish run event",
			zap.String("kind", string(kind)),
			zap.String("run_id", r.id),
			zap.Error(err))
	}
}

// fail converts err into the resumable IndexingError.
func (r *runState) fail(ctx context.Context, span trace.Span, err error) error {
	ierr := &rag.IndexingError{
		Generation: r.generation,
		Offset:     r.committed(),
		LastID:     r.lastID,
		Err:        err,
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "indexing failed")

	r.ix.logger.Error(ctx, "indexing failed",
		zap.String("generation", r.generation),
		zap.String("run_id", r.id),
		zap.Int("committed", r.committed()),
		zap.String("resume_after", r.lastID),
		zap.Error(err))
	// The caller's context may already be cancelled; the failure event
	// still goes out.
	r.publish(context.WithoutCancel(ctx), events.KindFailed, err)
	return ierr
}
