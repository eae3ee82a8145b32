package server

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/charannyk06/shadower-analytics/internal/gateway"
	"github.com/charannyk06/shadower-analytics/internal/ratelimit"
)

func (s *Server) registerRoutes(wsHandler *gateway.Handler, limiter *ratelimit.Limiter) {
	// Observability endpoints, never rate limited.
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Operator API.
	s.echo.GET("/api/instances", s.handleInstances,
		ratelimit.Middleware(limiter, ratelimit.ClassGeneral, nil))

	// Realtime upgrade endpoint. Admission control beyond the local
	// connection limits happens inside the handler, where the caller's
	// identity is known.
	s.echo.GET("/ws/events", wsHandler.HandleEvents)
}
