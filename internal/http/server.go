// Package http serves the run status API.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/architect/internal/orchestrator"
	"github.com/fyrsmithlabs/architect/internal/patchstack"
	"github.com/fyrsmithlabs/architect/internal/session"
)

// Controller is the run surface the API exposes.
type Controller interface {
	Status(ctx context.Context) (*orchestrator.StatusReport, error)
	ListPatches(ctx context.Context, scope patchstack.Scope) ([]*session.Patch, error)
	SetPaused(paused bool) error
}

// Server provides HTTP endpoints for architect.
type Server struct {
	echo    *echo.Echo
	ctrl    Controller
	logger  *zap.Logger
	config  *Config
	version string
	metrics *apiMetrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	Version  string
}

// NewServer creates a new HTTP server.
func NewServer(ctrl Controller, logger *zap.Logger, cfg *Config) (*Server, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("controller cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 9191,
		}
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	mt := newAPIMetrics(otel.Meter(httpInstrumentationName), logger)
	e.Use(mt.middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			logger.Debug("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:    e,
		ctrl:    ctrl,
		logger:  logger,
		config:  cfg,
		version: cfg.Version,
		metrics: mt,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)
	v1.GET("/patches", s.handlePatches)
	v1.POST("/pause", s.handlePause(true))
	v1.POST("/resume", s.handlePause(false))
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(c echo.Context) error {
	rep, err := s.ctrl.Status(c.Request().Context())
	if err != nil {
		s.logger.Error("status failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "status unavailable")
	}
	return c.JSON(http.StatusOK, NewStatusResponse(rep, s.version))
}

func (s *Server) handlePatches(c echo.Context) error {
	scope := patchstack.ScopeActive
	switch c.QueryParam("scope") {
	case "", "active":
	case "all":
		scope = patchstack.ScopeAll
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "scope must be active or all")
	}
	patches, err := s.ctrl.ListPatches(c.Request().Context(), scope)
	if errors.Is(err, session.ErrNoActiveRun) {
		return c.JSON(http.StatusOK, PatchesResponse{Patches: []*session.Patch{}})
	}
	if err != nil {
		s.logger.Error("listing patches failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "patches unavailable")
	}
	if patches == nil {
		patches = []*session.Patch{}
	}
	return c.JSON(http.StatusOK, PatchesResponse{Patches: patches, Counts: CountPatches(patches)})
}

func (s *Server) handlePause(paused bool) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := s.ctrl.SetPaused(paused); err != nil {
			s.logger.Error("toggling pause failed", zap.Bool("paused", paused), zap.Error(err))
			return echo.NewHTTPError(http.StatusInternalServerError, "pause marker could not be updated")
		}
		s.metrics.pauseToggled(c.Request().Context(), paused)
		s.logger.Info("dispatch pause toggled", zap.Bool("paused", paused))
		return c.JSON(http.StatusOK, PauseResponse{Paused: paused})
	}
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
