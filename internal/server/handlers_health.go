package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/charannyk06/shadower-analytics/internal/version"
)

func (s *Server) handleLiveness(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(s.startTime).Seconds(),
		"version": version.Get(),
	})
}

// handleReadiness reports ready only when the coordination store responds.
// The gateway can limp along without Redis (rate limiting fails open,
// delivery degrades to local-only), but a not-ready signal lets the load
// balancer prefer healthy instances.
func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":       "unhealthy",
			"failed_check": "redis",
			"error":        err.Error(),
		})
	}

	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleInstances(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
	defer cancel()

	active, err := s.instances.ActiveInstances(ctx)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  err.Error(),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"instances": active,
		"count":     len(active),
	})
}
