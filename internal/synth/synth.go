// Package synth generates a natural-language answer grounded in retrieved
// review texts.
package synth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewrag/internal/logging"
	"github.com/fyrsmithlabs/reviewrag/internal/rag"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/reviewrag/internal/synth")

// SystemPrompt is sent with every completion.
const SystemPrompt = "Use the following context to answer the question."

const (
	DefaultMaxTokens = 150
	DefaultTimeout   = 30 * time.Second
)

// ErrEmptyCompletion is returned when the model answers with no text.
var ErrEmptyCompletion = errors.New("empty completion")

// CompletionRequest is one chat completion call.
type CompletionRequest struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Completer is the answer-generation capability.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// Config configures a Synthesizer.
type Config struct {
	MaxTokens int
	Timeout   time.Duration
}

// Synthesizer builds the grounded prompt and issues a single completion.
type Synthesizer struct {
	completer Completer
	maxTokens int
	timeout   time.Duration
	logger    *logging.Logger
}

// New creates a Synthesizer. Zero Config fields take the defaults.
func New(completer Completer, cfg Config, logger *logging.Logger) *Synthesizer {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Synthesizer{
		completer: completer,
		maxTokens: cfg.MaxTokens,
		timeout:   cfg.Timeout,
		logger:    logger.Named("synth"),
	}
}

// UserMessage joins contexts with single spaces and frames them with the
// question.
func UserMessage(contexts []string, query string) string {
	return fmt.Sprintf("Context: %s\n\nQuestion: %s", strings.Join(contexts, " "), query)
}

// Synthesize returns the generated answer. Failures, including the timeout,
// are returned as *rag.GenerationError. There is no retry.
func (s *Synthesizer) Synthesize(ctx context.Context, contexts []string, query string, temperature float64) (string, error) {
	ctx, span := tracer.Start(ctx, "synth.Synthesize")
	defer span.End()
	span.SetAttributes(
		attribute.Int("contexts", len(contexts)),
		attribute.Float64("temperature", temperature),
		attribute.Int("max_tokens", s.maxTokens),
	)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	answer, err := s.completer.Complete(ctx, CompletionRequest{
		System:      SystemPrompt,
		User:        UserMessage(contexts, query),
		Temperature: temperature,
		MaxTokens:   s.maxTokens,
	})
	if err == nil && strings.TrimSpace(answer) == "" {
		err = ErrEmptyCompletion
	}
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return "", &rag.GenerationError{Err: err}
	}

	s.logger.Debug(ctx, "answer generated",
		zap.Duration("duration", time.Since(start)),
		zap.Int("answer_len", len(answer)))
	return answer, nil
}
