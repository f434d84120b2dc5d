// Package http serves the query API over echo.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/reviewrag/internal/logging"
	"github.com/fyrsmithlabs/reviewrag/internal/query"
	"github.com/fyrsmithlabs/reviewrag/internal/rag"
)

// Answerer runs a query end to end.
type Answerer interface {
	Answer(ctx context.Context, req rag.QueryRequest) (*rag.AnswerResult, error)
}

// HealthChecker reports store reachability and the served generation.
type HealthChecker interface {
	Ping(ctx context.Context) error
	ActiveGeneration(ctx context.Context) (string, error)
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// RateLimit is the sustained query rate per second for the whole
	// process. Zero disables limiting.
	RateLimit float64
	RateBurst int
}

// Server provides the HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	answerer Answerer
	health   HealthChecker
	logger   *logging.Logger
	config   *Config
	registry *prometheus.Registry
	outcomes *prometheus.CounterVec
}

// NewServer creates a new HTTP server.
func NewServer(answerer Answerer, health HealthChecker, logger *logging.Logger, cfg *Config) (*Server, error) {
	if answerer == nil {
		return nil, fmt.Errorf("answerer cannot be nil")
	}
	if health == nil {
		return nil, fmt.Errorf("health checker cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "0.0.0.0",
			Port: 8000,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		answerer: answerer,
		health:   health,
		logger:   logger.Named("http"),
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}
	s.outcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reviewrag_query_requests_total",
		Help: "Query API requests by outcome",
	}, []string{"outcome"})
	s.registry.MustRegister(
		s.outcomes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(s.requestLogger())
	e.Use(newRequestMetrics(otel.Meter(httpInstrumentationName), s.logger).middleware())

	s.registerRoutes()
	return s, nil
}

// requestLogger puts the request id on the context and logs every request.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			ctx := logging.WithRequestID(req.Context(), reqID)
			c.SetRequest(req.WithContext(ctx))

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			s.logger.Info(ctx, "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	limit := rateLimit(s.config.RateLimit, s.config.RateBurst)

	// Path used by existing clients.
	s.echo.POST("/query", s.handleQuery, limit)

	v1 := s.echo.Group("/api/v1")
	v1.POST("/query", s.handleQuery, limit)
}

// handleHealth pings the store and reports the active generation.
func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	if err := s.health.Ping(ctx); err != nil {
		s.logger.Warn(ctx, "health check failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
	}
	gen, err := s.health.ActiveGeneration(ctx)
	if err != nil {
		s.logger.Warn(ctx, "reading active generation failed", zap.Error(err))
		return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Generation: gen})
}

// handleQuery answers a question.
func (s *Server) handleQuery(c echo.Context) error {
	ctx := c.Request().Context()

	var req QueryRequest
	if err := c.Bind(&req); err != nil {
		c.Set(outcomeKey, "invalid_request")
		s.outcomes.WithLabelValues("invalid_request").Inc()
		s.logger.Debug(ctx, "invalid query request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	res, err := s.answerer.Answer(ctx, req.toDomain())
	outcome := query.Outcome(err)
	c.Set(outcomeKey, outcome)
	s.outcomes.WithLabelValues(outcome).Inc()
	if err != nil {
		return toHTTPError(err)
	}
	c.Set(matchesKey, len(res.Matches))
	return c.JSON(http.StatusOK, matchesResponse(res))
}

// toHTTPError maps the error taxonomy to a status. Server-class failures
// get a generic message.
func toHTTPError(err error) *echo.HTTPError {
	var verr *rag.ValidationError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
	case errors.Is(err, rag.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	case errors.Is(err, rag.ErrNoMatch):
		return echo.NewHTTPError(http.StatusNotFound, rag.ErrNoMatch.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
