// Package http exposes task commands and read paths over HTTP.
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/cloveric/awe-agentforge-sub000/internal/lifecycle"
	"github.com/cloveric/awe-agentforge-sub000/internal/logging"
)

// Server provides HTTP endpoints for the lifecycle manager.
type Server struct {
	echo    *echo.Echo
	manager *lifecycle.Manager
	logger  *logging.Logger
	config  *Config
	metrics *Metrics
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Option configures a Server.
type Option func(*serverOptions)

type serverOptions struct {
	registry *prometheus.Registry
}

// WithRegistry registers request metrics on reg and serves reg at /metrics.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *serverOptions) { o.registry = reg }
}

// NewServer creates a new HTTP server.
func NewServer(manager *lifecycle.Manager, logger *logging.Logger, cfg *Config, opts ...Option) (*Server, error) {
	if manager == nil {
		return nil, fmt.Errorf("manager cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "127.0.0.1",
			Port: 8787,
		}
	}
	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:    e,
		manager: manager,
		logger:  logger.Named("http"),
		config:  cfg,
	}

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if o.registry != nil {
		s.metrics = NewMetrics(o.registry)
		e.Use(s.metrics.Middleware())
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})))
	}
	// Errors are written here so the metrics middleware sees the final status.
	e.Use(s.requestContext)

	s.registerRoutes()
	return s, nil
}

// requestContext carries the request id and, on task routes, the task id
// into the request context, then logs the request.
func (s *Server) requestContext(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		req := c.Request()
		ctx := logging.WithRequestID(req.Context(), c.Response().Header().Get(echo.HeaderXRequestID))
		if id := c.Param("id"); id != "" {
			ctx = logging.WithTask(ctx, id)
		}
		ctx = logging.WithLogger(ctx, s.logger)
		c.SetRequest(req.WithContext(ctx))

		err := next(c)
		if err != nil {
			c.Error(err)
		}

		s.logger.Info(ctx, "http request",
			zap.String("method", req.Method),
			zap.String("route", c.Path()),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
		)
		return nil
	}
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)

	v1 := s.echo.Group("/api/v1")
	v1.GET("/status", s.handleStatus)

	tasks := v1.Group("/tasks")
	tasks.POST("", s.handleCreate)
	tasks.GET("", s.handleList)
	tasks.GET("/:id", s.handleGet)
	tasks.DELETE("/:id", s.handleDelete)
	tasks.GET("/:id/events", s.handleEvents)
	tasks.GET("/:id/rounds", s.handleRounds)
	tasks.POST("/:id/start", s.handleStart)
	tasks.POST("/:id/cancel", s.handleCancel)
	tasks.POST("/:id/force-fail", s.handleForceFail)
	tasks.POST("/:id/decision", s.handleDecision)
	tasks.POST("/:id/promote", s.handlePromote)
	tasks.POST("/:id/resubmit", s.handleResubmit)
}

// ServeHTTP lets the server be mounted or driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start starts the HTTP server. It returns http.ErrServerClosed after
// Shutdown.
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.logger.Info(context.Background(), "starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info(ctx, "shutting down http server")
	return s.echo.Shutdown(ctx)
}
