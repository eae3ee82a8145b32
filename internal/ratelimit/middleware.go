package ratelimit

import (
	"github.com/labstack/echo/v4"

	apperrors "github.com/charannyk06/shadower-analytics/internal/errors"
)

// KeyFunc extracts the actor key for an HTTP request. Before authentication
// the client IP is the only stable identity available.
type KeyFunc func(c echo.Context) string

// Middleware returns an echo middleware that admits or rejects requests for
// one endpoint class. Rejections become structured rate-limited errors, which
// the error middleware renders as 429 with a Retry-After header.
func Middleware(limiter *Limiter, class Class, keyFn KeyFunc) echo.MiddlewareFunc {
	if keyFn == nil {
		keyFn = func(c echo.Context) string { return c.RealIP() }
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			decision := limiter.Admit(c.Request().Context(), keyFn(c), class)
			if !decision.Allowed {
				return apperrors.RateLimitedError(decision.RetryAfterSeconds())
			}
			return next(c)
		}
	}
}
