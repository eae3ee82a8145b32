// Package server assembles the HTTP surface of the gateway: the WebSocket
// upgrade endpoint, health probes, the metrics endpoint, and a small
// operator API.
package server

import (
	"context"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	goredis "github.com/redis/go-redis/v9"

	"github.com/charannyk06/shadower-analytics/internal/config"
	"github.com/charannyk06/shadower-analytics/internal/coordination"
	apperrors "github.com/charannyk06/shadower-analytics/internal/errors"
	"github.com/charannyk06/shadower-analytics/internal/gateway"
	"github.com/charannyk06/shadower-analytics/internal/ratelimit"
)

type Server struct {
	echo      *echo.Echo
	cfg       *config.Config
	rdb       *goredis.Client
	instances *coordination.InstanceRegistry
	startTime time.Time
}

// NewServer wires the routes. wsHandler serves the upgrade endpoint; limiter
// guards the operator API.
func NewServer(cfg *config.Config, rdb *goredis.Client, instances *coordination.InstanceRegistry, wsHandler *gateway.Handler, limiter *ratelimit.Limiter) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(apperrors.Middleware())

	srv := &Server{
		echo:      e,
		cfg:       cfg,
		rdb:       rdb,
		instances: instances,
		startTime: time.Now(),
	}
	srv.registerRoutes(wsHandler, limiter)
	return srv
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	return s.echo.Start(":" + s.cfg.Port)
}

// Shutdown stops accepting new connections and waits for in-flight requests
// within the context deadline. Live WebSocket sessions are closed by the
// underlying listener going away.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
