// Package web serves the gateway's HTTP API: the message entry point,
// session inspection and cancellation, health and Prometheus metrics.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lucasnoah/agentgate/internal/gate"
	"github.com/lucasnoah/agentgate/internal/i18n"
	"github.com/lucasnoah/agentgate/internal/pipeline"
)

// MessageHandler routes an inbound chat message.
type MessageHandler interface {
	Handle(ctx context.Context, msg gate.Message) (gate.Reply, error)
}

// Sessions reads and cancels build sessions.
type Sessions interface {
	Get(ctx context.Context, sessionID string) (*pipeline.ChainState, error)
	Cancel(ctx context.Context, sessionID string) (bool, error)
}

// Server is the HTTP API server.
type Server struct {
	echo     *echo.Echo
	handler  MessageHandler
	sessions Sessions
	store    pipeline.ChainStore
	catalog  i18n.Catalog
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	locale   string
	addr     string

	pollInterval time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

// WithGatherer sets the registry /metrics exposes. It defaults to the
// Prometheus default gatherer.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// WithCatalog sets the catalog for localized error bodies.
func WithCatalog(c i18n.Catalog, locale string) Option {
	return func(s *Server) {
		s.catalog = c
		if locale != "" {
			s.locale = locale
		}
	}
}

// WithPollInterval sets how often session streams check for changes.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// NewServer creates a Server listening on addr once started.
func NewServer(addr string, handler MessageHandler, sessions Sessions, store pipeline.ChainStore, opts ...Option) (*Server, error) {
	if handler == nil {
		return nil, fmt.Errorf("message handler cannot be nil")
	}
	if sessions == nil || store == nil {
		return nil, fmt.Errorf("sessions and store are required")
	}

	s := &Server{
		handler:      handler,
		sessions:     sessions,
		store:        store,
		gatherer:     prometheus.DefaultGatherer,
		logger:       zap.NewNop(),
		locale:       "en",
		addr:         addr,
		pollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.catalog == nil {
		s.catalog = i18n.MustLoad()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(s.requestLogger)

	s.echo = e
	s.registerRoutes()
	return s, nil
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}
		s.logger.Info("http request",
			zap.String("method", c.Request().Method),
			zap.String("uri", c.Request().RequestURI),
			zap.Int("status", c.Response().Status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
		)
		return nil
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/messages", s.handleMessage)
	v1.GET("/sessions", s.handleListSessions)
	v1.GET("/sessions/:id", s.handleGetSession)
	v1.POST("/sessions/:id/cancel", s.handleCancelSession)
	v1.GET("/sessions/:id/stream", s.handleSessionStream)
}

// ServeHTTP lets the server be mounted or driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.addr))
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
