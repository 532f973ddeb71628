// Package http provides the substrate JSON API.
package http

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/rforgeon/substrate/internal/confirmation"
	"github.com/rforgeon/substrate/internal/knowledge"
	"github.com/rforgeon/substrate/internal/logging"
	"github.com/rforgeon/substrate/internal/observation"
	"github.com/rforgeon/substrate/internal/replication"
	"github.com/rforgeon/substrate/internal/storage"
)

// Service is the knowledge API the server exposes.
type Service interface {
	Observe(ctx context.Context, in knowledge.ObserveInput) (*knowledge.ObserveResult, error)
	Get(ctx context.Context, id string) (*observation.Observation, error)
	Lookup(ctx context.Context, f storage.QueryFilter) (*storage.QueryResult, error)
	ObservationsSince(ctx context.Context, afterID string) ([]*observation.Observation, error)
	Search(ctx context.Context, in knowledge.SearchInput) (*knowledge.SearchResult, error)
	Stats(ctx context.Context) (*knowledge.Stats, error)
	Failures(ctx context.Context, domain string, limit int) ([]*observation.Observation, error)
	Domains(ctx context.Context) ([]storage.DomainCount, error)
	ReportImpact(ctx context.Context, id string, in knowledge.ImpactInput) (*knowledge.ImpactResult, error)
	Confirm(ctx context.Context, id, reason string) (*confirmation.PromotionResult, error)
	Reject(ctx context.Context, id, reason string) (*confirmation.PromotionResult, error)
	MarkStale(ctx context.Context, id, reason string) (*confirmation.PromotionResult, error)
}

// Syncer runs a replication cycle on demand and reports its state.
type Syncer interface {
	SyncNow(ctx context.Context) (*replication.CycleReport, error)
	Status() (*replication.Status, error)
}

// Server provides HTTP endpoints for substrate.
type Server struct {
	echo    *echo.Echo
	service Service
	syncer  Syncer
	logger  *logging.Logger
	config  *Config
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int

	// APIKey, when set, is required as a bearer token on /api/v1 routes.
	APIKey string
}

// NewServer creates a new HTTP server. syncer may be nil when replication
// is disabled.
func NewServer(service Service, syncer Syncer, logger *logging.Logger, cfg *Config) (*Server, error) {
	if service == nil {
		return nil, fmt.Errorf("service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 3000,
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)
			if err != nil {
				// Let echo write the response so the logged status is final.
				c.Error(err)
			}

			logger.Info(c.Request().Context(), "http request",
				zap.String("method", req.Method),
				zap.String("uri", req.RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
			)
			return nil
		}
	})

	s := &Server{
		echo:    e,
		service: service,
		syncer:  syncer,
		logger:  logger.Named("http"),
		config:  cfg,
	}

	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	if s.config.APIKey != "" {
		v1.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
			KeyLookup:  "header:" + echo.HeaderAuthorization,
			AuthScheme: "Bearer",
			Validator: func(key string, _ echo.Context) (bool, error) {
				return subtle.ConstantTimeCompare([]byte(key), []byte(s.config.APIKey)) == 1, nil
			},
		}))
	}

	v1.POST("/observations", s.handleObserve)
	v1.GET("/observations", s.handleLookup)
	v1.GET("/observations/:id", s.handleGet)
	v1.POST("/observations/:id/impact", s.handleImpact)
	v1.POST("/observations/:id/confirm", s.handleTransition(s.service.Confirm))
	v1.POST("/observations/:id/reject", s.handleTransition(s.service.Reject))
	v1.POST("/observations/:id/stale", s.handleTransition(s.service.MarkStale))
	v1.GET("/search", s.handleSearch)
	v1.GET("/stats", s.handleStats)
	v1.GET("/failures", s.handleFailures)
	v1.GET("/domains", s.handleDomains)
	v1.GET("/sync", s.handleSyncStatus)
	v1.POST("/sync", s.handleSync)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// fail maps service errors to HTTP errors.
func (s *Server) fail(c echo.Context, err error) error {
	switch {
	case errors.Is(err, observation.ErrInvalid):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "observation not found")
	case errors.Is(err, knowledge.ErrRateLimited):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	default:
		s.logger.Error(c.Request().Context(), "request failed",
			zap.String("path", c.Path()), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

// Start starts the HTTP server.
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
