package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/fyrsmithlabs/reviewrag/internal/logging"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func requestCount(t *testing.T, m metricdata.Metrics, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "%s is not an int64 sum", m.Name)
	want := attribute.NewSet(attrs...)
	for _, dp := range sum.DataPoints {
		if dp.Attributes.Equals(&want) {
			return dp.Value
		}
	}
	return 0
}

func TestRequestMetrics_LabelsQueryOutcome(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m := newRequestMetrics(mp.Meter(httpInstrumentationName), logging.NewNop())

	e := echo.New()
	e.Use(m.middleware())
	e.GET("/health", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.POST("/api/v1/query", func(c echo.Context) error {
		if strings.Contains(c.Request().URL.RawQuery, "miss") {
			c.Set(outcomeKey, "no_match")
			return echo.NewHTTPError(http.StatusNotFound, "no matches found")
		}
		c.Set(outcomeKey, "ok")
		c.Set(matchesKey, 3)
		return c.JSON(http.StatusOK, []string{"a", "b", "c"})
	})

	for _, target := range []string{"/api/v1/query", "/api/v1/query", "/api/v1/query?miss=1"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, target, nil))
	}
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere/12345", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	metrics := collect(t, reader)
	requests := metrics["reviewrag.http.requests_total"]

	post := attribute.String("method", http.MethodPost)
	get := attribute.String("method", http.MethodGet)
	queryRoute := attribute.String("route", "/api/v1/query")

	assert.Equal(t, int64(2), requestCount(t, requests,
		queryRoute, post, attribute.String("status_class", "2xx"), attribute.String("outcome", "ok")))
	assert.Equal(t, int64(1), requestCount(t, requests,
		queryRoute, post, attribute.String("status_class", "4xx"), attribute.String("outcome", "no_match")))
	assert.Equal(t, int64(1), requestCount(t, requests,
		attribute.String("route", "/health"), get, attribute.String("status_class", "2xx")))
	assert.Equal(t, int64(1), requestCount(t, requests,
		attribute.String("route", "unmatched"), get, attribute.String("status_class", "4xx")))

	hist, ok := metrics["reviewrag.http.query_matches"].Data.(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, uint64(2), hist.DataPoints[0].Count)
	assert.Equal(t, int64(6), hist.DataPoints[0].Sum)

	dur, ok := metrics["reviewrag.http.request_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var recorded uint64
	for _, dp := range dur.DataPoints {
		recorded += dp.Count
	}
	assert.Equal(t, uint64(5), recorded)
}

func TestRouteLabel(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", "unmatched"},
		{"/*", "unmatched"},
		{"/health", "/health"},
		{"/metrics", "/metrics"},
		{"/api/v1/query", "/api/v1/query"},
		{"/query", "/query"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, routeLabel(tt.input), "routeLabel(%q)", tt.input)
	}
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(http.StatusOK))
	assert.Equal(t, "4xx", statusClass(http.StatusTooManyRequests))
	assert.Equal(t, "5xx", statusClass(http.StatusInternalServerError))
	assert.Equal(t, "unknown", statusClass(0))
}
