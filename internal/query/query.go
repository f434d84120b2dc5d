// Package query answers a question by embedding it, retrieving the nearest
// records and generating an answer grounded in them.
//
// A request moves through Validating, Embedding, Retrieving, Synthesizing
// and Responding. Invalid input and empty result sets end in Rejected;
// model, store and generation failures end in Failed.
package query

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewrag/internal/logging"
	"github.com/fyrsmithlabs/reviewrag/internal/rag"
	"github.com/fyrsmithlabs/reviewrag/internal/telemetry"
)

const instrumentationName = "github.com/fyrsmithlabs/reviewrag/internal/query"

// State is a step of request processing.
type State string

const (
	StateValidating   State = "validating"
	StateEmbedding    State = "embedding"
	StateRetrieving   State = "retrieving"
	StateSynthesizing State = "synthesizing"
	StateResponding   State = "responding"
	StateRejected     State = "rejected"
	StateFailed       State = "failed"
)

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher returns ranked matches for a vector.
type Searcher interface {
	Search(ctx context.Context, vec []float32, k int) ([]rag.RetrievedMatch, error)
}

// Synthesizer generates an answer from retrieved texts.
type Synthesizer interface {
	Synthesize(ctx context.Context, contexts []string, query string, temperature float64) (string, error)
}

// Service is the query orchestrator. It holds no per-request state and is
// safe for concurrent use.
type Service struct {
	embedder    Embedder
	searcher    Searcher
	synthesizer Synthesizer
	logger      *logging.Logger
	tracer      trace.Tracer
	outcomes    metric.Int64Counter
}

// Option configures a Service.
type Option func(*options)

type options struct {
	tel *telemetry.Telemetry
}

// WithTelemetry records spans and metrics on tel instead of the global
// providers.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(o *options) { o.tel = tel }
}

// NewService wires the query pipeline.
func NewService(embedder Embedder, searcher Searcher, synthesizer Synthesizer, logger *logging.Logger, opts ...Option) *Service {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	s := &Service{
		embedder:    embedder,
		searcher:    searcher,
		synthesizer: synthesizer,
		logger:      logger.Named("query"),
		tracer:      o.tel.Tracer(instrumentationName),
	}
	var err error
	s.outcomes, err = o.tel.Meter(instrumentationName).Int64Counter(
		"reviewrag.query.outcomes_total",
		metric.WithDescription("Query requests by final state and outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Underlying().Warn("failed to create outcomes counter", zap.Error(err))
	}
	return s
}

// Validate checks a request without touching the model or the store.
func Validate(req rag.QueryRequest) error {
	if req.TopK <= 0 {
		return rag.NewValidationError("top_k", strconv.Itoa(req.TopK), "must be a positive integer")
	}
	if strings.TrimSpace(req.QueryText) == "" {
		return rag.NewValidationError("query_text", req.QueryText, "must not be empty")
	}
	t := req.Temperature
	if math.IsNaN(t) || t < rag.MinTemperature || t > rag.MaxTemperature {
		return rag.NewValidationError("temperature", strconv.FormatFloat(t, 'g', -1, 64), "must be between 0 and 2")
	}
	return nil
}

// Answer runs the pipeline. Only the top match carries the generated answer.
func (s *Service) Answer(ctx context.Context, req rag.QueryRequest) (*rag.AnswerResult, error) {
	ctx, span := s.tracer.Start(ctx, "query.Answer")
	defer span.End()
	span.SetAttributes(attribute.Int("top_k", req.TopK))

	// stage is the last state entered; final is where the request ends.
	stage := StateValidating
	finish := func(final State, err error) {
		span.SetAttributes(
			attribute.String("query.state", string(final)),
			attribute.String("query.stage", string(stage)),
		)
		if s.outcomes != nil {
			s.outcomes.Add(ctx, 1, metric.WithAttributes(
				attribute.String("state", string(final)),
				attribute.String("outcome", Outcome(err)),
			))
		}
		if err == nil {
			return
		}
		if final == StateRejected {
			s.logger.Debug(ctx, "query rejected",
				zap.String("state", string(final)),
				zap.String("stage", string(stage)),
				zap.Int("top_k", req.TopK),
				zap.String("reason", err.Error()))
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, Outcome(err))
		s.logger.Error(ctx, "query failed",
			zap.String("state", string(final)),
			zap.String("stage", string(stage)),
			zap.String("operation", Outcome(err)),
			zap.Int("top_k", req.TopK),
			zap.Error(err))
	}

	if err := Validate(req); err != nil {
		finish(StateRejected, err)
		return nil, err
	}

	stage = StateEmbedding
	vec, err := s.embedder.Embed(ctx, req.QueryText)
	if err != nil {
		var eerr *rag.EmbeddingError
		if !errors.As(err, &eerr) {
			err = &rag.EmbeddingError{Op: "embed_query", Err: err}
		}
		finish(StateFailed, err)
		return nil, err
	}

	stage = StateRetrieving
	matches, err := s.searcher.Search(ctx, vec, req.TopK)
	if err != nil {
		if !errors.Is(err, rag.ErrStore) && !errors.Is(err, rag.ErrValidation) {
			err = &rag.StoreError{Op: "search", Err: err}
		}
		if errors.Is(err, rag.ErrValidation) {
			finish(StateRejected, err)
		} else {
			finish(StateFailed, err)
		}
		return nil, err
	}
	if len(matches) == 0 {
		err := &rag.NoMatchError{}
		finish(StateRejected, err)
		return nil, err
	}

	stage = StateSynthesizing
	contexts := make([]string, len(matches))
	for i, m := range matches {
		contexts[i] = m.Text
	}
	answer, err := s.synthesizer.Synthesize(ctx, contexts, req.QueryText, req.Temperature)
	if err != nil {
		var gerr *rag.GenerationError
		if !errors.As(err, &gerr) {
			err = &rag.GenerationError{Err: err}
		}
		finish(StateFailed, err)
		return nil, err
	}

	stage = StateResponding
	matches[0].GeneratedAnswer = &answer
	for i := 1; i < len(matches); i++ {
		matches[i].GeneratedAnswer = nil
	}
	span.SetAttributes(attribute.Int("matches", len(matches)))
	finish(StateResponding, nil)
	s.logger.Debug(ctx, "query answered",
		zap.String("state", string(stage)),
		zap.Int("matches", len(matches)))
	return &rag.AnswerResult{Matches: matches}, nil
}

// Outcome classifies err for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, rag.ErrValidation):
		return "invalid_request"
	case errors.Is(err, rag.ErrNoMatch):
		return "no_match"
	case errors.Is(err, rag.ErrEmbedding):
		return "embedding"
	case errors.Is(err, rag.ErrStore):
		return "store"
	case errors.Is(err, rag.ErrGenerationUnavailable):
		return "generation"
	default:
		return "internal"
	}
}
