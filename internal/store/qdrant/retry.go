package qdrant

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// retryBackoff is the first wait between attempts; it doubles each time.
var retryBackoff = time.Second

// retryOperation retries operation on transient gRPC errors with
// exponential backoff.
func (s *Store) retryOperation(ctx context.Context, operation func() error) error {
	var lastErr error
	backoff := retryBackoff
	start := time.Now()

	for attempt := 0; attempt <= s.config.RetryAttempts; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 0 {
				s.logger.Info(ctx, "qdrant operation recovered after retries",
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(start)),
				)
			}
			return nil
		}
		lastErr = err

		if !isTransientError(err) {
			return err
		}
		if attempt == s.config.RetryAttempts {
			break
		}

		s.logger.Debug(ctx, "retrying qdrant operation after transient error",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", s.config.RetryAttempts),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}

	s.logger.Warn(ctx, "qdrant operation failed after all retries",
		zap.Int("total_attempts", s.config.RetryAttempts+1),
		zap.Duration("total_time", time.Since(start)),
		zap.Error(lastErr),
	)
	return fmt.Errorf("operation failed after %d retries: %w", s.config.RetryAttempts, lastErr)
}

// isTransientError reports whether err is worth retrying.
func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		return false
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}
