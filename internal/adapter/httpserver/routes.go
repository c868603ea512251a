package httpserver

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/collabpulse/internal/platform/correlation"
)

func (s *Server) registerRoutes() {
	s.echo.Use(s.correlationMiddleware)
	s.echo.Use(s.setupRequestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.httpMetrics.Middleware())
	s.echo.Use(s.responder.Middleware())

	s.registerHealthRoutes()
	s.echo.GET("/metrics", echo.WrapHandler(s.metricsHandler))
	s.echo.GET("/ws", s.handleWebSocket)
	s.registerInternalRoutes()
}

func (s *Server) registerInternalRoutes() {
	internal := s.echo.Group("/internal", newRateLimiter(s.config.InternalAPIRate, s.config.InternalAPIBurst, s.responder))
	internal.POST("/broadcast", s.handleBroadcast)
	internal.GET("/connections", s.handleListConnections)
	internal.GET("/connections/:id", s.handleGetConnection)
	internal.DELETE("/connections/:id", s.handleDisconnect)
	internal.GET("/instances", s.handleListInstances)
}

// correlationMiddleware propagates or assigns a correlation id and attaches the server logger
// to the request context so zerolog.Ctx works in handlers.
func (s *Server) correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Request().Header.Get(HeaderCorrelation)
		if id == "" {
			id = correlation.NewID()
		}
		c.Response().Header().Set(HeaderCorrelation, id)

		ctx := correlation.WithID(c.Request().Context(), id)
		ctx = s.logger.WithContext(ctx)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

func (s *Server) setupRequestLoggerMiddleware() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Info().
				Ctx(c.Request().Context()).
				Str("method", v.Method).
				Str("uri", v.URI).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Err(v.Error).
				Msg("Request")
			return nil
		},
	})
}
