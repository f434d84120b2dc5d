// Package logging provides structured logging for reviewrag.
//
// It wraps Zap with context-aware methods that attach trace and request
// correlation fields, redacts credentials before they reach any output, and
// can mirror records to OpenTelemetry through the otelzap bridge.
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithRequestID(ctx, c.Response().Header().Get(echo.HeaderXRequestID))
//	logger.Info(ctx, "query answered", zap.Int("matches", n))
//
// Errors and above are never sampled.
package logging
