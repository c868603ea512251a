package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/collabpulse/internal/coordination"
	"github.com/pscheid92/collabpulse/internal/domain"
	"github.com/pscheid92/collabpulse/internal/metrics"
	"github.com/pscheid92/collabpulse/internal/platform/config"
	apperrors "github.com/pscheid92/collabpulse/internal/platform/errors"
	"github.com/pscheid92/collabpulse/internal/registry"
	"github.com/rs/zerolog"
)

type appService interface {
	Connect(ctx context.Context, candidateID string, security domain.SecurityContext, transport domain.Transport) (domain.AdmissionDecision, error)
	Broadcast(ctx context.Context, req domain.BroadcastRequest) domain.BroadcastResult
	Disconnect(id string) bool
	Connections() []registry.Stats
	Connection(id string) (registry.Stats, error)
}

// InstanceLister lists the instances sharing the fleet-wide registry.
type InstanceLister interface {
	Instances(ctx context.Context) ([]coordination.InstanceInfo, error)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	app       appService
	auth      Authenticator
	instances InstanceLister

	upgrader       *gorillaws.Upgrader
	metricsHandler http.Handler
	httpMetrics    *metrics.HTTPMetrics
	responder      *apperrors.Responder

	healthChecks []HealthCheck
	startTime    time.Time
	clock        clockwork.Clock
	logger       zerolog.Logger
}

// Option configures a Server.
type Option func(*Server)

func WithHealthChecks(checks ...HealthCheck) Option {
	return func(s *Server) { s.healthChecks = append(s.healthChecks, checks...) }
}

// WithInstances enables GET /internal/instances.
func WithInstances(lister InstanceLister) Option {
	return func(s *Server) { s.instances = lister }
}

func WithAuthenticator(auth Authenticator) Option {
	return func(s *Server) { s.auth = auth }
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Server) { s.clock = clock }
}

func NewServer(cfg *config.Config, app appService, reg *prometheus.Registry, upgrader *gorillaws.Upgrader, logger zerolog.Logger, opts ...Option) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:           e,
		config:         cfg,
		app:            app,
		auth:           HeaderAuthenticator{},
		upgrader:       upgrader,
		metricsHandler: metrics.Handler(reg),
		httpMetrics:    metrics.NewHTTPMetrics(reg),
		responder:      apperrors.NewResponder(reg, logger),
		clock:          clockwork.NewRealClock(),
		logger:         logger.With().Str("component", "http").Logger(),
	}
	for _, opt := range opts {
		opt(srv)
	}
	srv.startTime = srv.clock.Now()
	e.HTTPErrorHandler = srv.handleError

	srv.registerRoutes()

	return srv
}

func (s *Server) Start() error {
	s.logger.Info().Str("port", s.config.Port).Msg("Starting server")
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// handleError renders errors that bypass the middleware chain, such as those passed to c.Error.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		s.echo.DefaultHTTPErrorHandler(err, c)
		return
	}

	if err := s.responder.Handle(c, err); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write error response")
	}
}

// ServeHTTP exposes the router, mainly for tests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
