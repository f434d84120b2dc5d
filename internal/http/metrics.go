package http

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewrag/internal/logging"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/reviewrag/internal/http"

// Keys the query routes set on the echo context for requestMetrics.
const (
	outcomeKey = "reviewrag.query.outcome"
	matchesKey = "reviewrag.query.matches"
)

// requestMetrics records every request by route and status class. Query
// routes also carry the query outcome and the number of matches returned.
type requestMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	matches  metric.Int64Histogram
	inflight metric.Int64UpDownCounter
}

func newRequestMetrics(meter metric.Meter, logger *logging.Logger) *requestMetrics {
	m := &requestMetrics{}
	var err, errs error

	m.requests, err = meter.Int64Counter(
		"reviewrag.http.requests_total",
		metric.WithDescription("HTTP requests by route, status class and query outcome"),
		metric.WithUnit("{request}"),
	)
	errs = errors.Join(errs, err)

	m.duration, err = meter.Float64Histogram(
		"reviewrag.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency; query requests include embedding and generation"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	errs = errors.Join(errs, err)

	m.matches, err = meter.Int64Histogram(
		"reviewrag.http.query_matches",
		metric.WithDescription("Matches returned per successful query"),
		metric.WithUnit("{match}"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 5, 10, 20, 50, 100),
	)
	errs = errors.Join(errs, err)

	m.inflight, err = meter.Int64UpDownCounter(
		"reviewrag.http.inflight_requests",
		metric.WithDescription("Requests currently being served"),
		metric.WithUnit("{request}"),
	)
	errs = errors.Join(errs, err)

	if errs != nil {
		logger.Warn(context.Background(), "failed to create some http metrics", zap.Error(errs))
	}
	return m
}

func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			ctx := c.Request().Context()
			if m.inflight != nil {
				m.inflight.Add(ctx, 1)
				defer m.inflight.Add(ctx, -1)
			}

			if err := next(c); err != nil {
				// Write the error response now so the recorded status is final.
				c.Error(err)
			}

			attrs := []attribute.KeyValue{
				attribute.String("route", routeLabel(c.Path())),
				attribute.String("method", c.Request().Method),
				attribute.String("status_class", statusClass(c.Response().Status)),
			}
			if outcome, ok := c.Get(outcomeKey).(string); ok {
				attrs = append(attrs, attribute.String("outcome", outcome))
			}
			set := metric.WithAttributes(attrs...)

			if m.requests != nil {
				m.requests.Add(ctx, 1, set)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), set)
			}
			if n, ok := c.Get(matchesKey).(int); ok && m.matches != nil {
				m.matches.Record(ctx, int64(n))
			}
			return nil
		}
	}
}

// routeLabel keeps the label set bounded: registered routes report their
// pattern, anything else shares one label.
func routeLabel(path string) string {
	switch path {
	case "/health", "/metrics", "/query", "/api/v1/query":
		return path
	default:
		return "unmatched"
	}
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "unknown"
	}
	return strconv.Itoa(status/100) + "xx"
}
