package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"

	"github.com/charannyk06/shadower-analytics/internal/auth"
	apperrors "github.com/charannyk06/shadower-analytics/internal/errors"
	"github.com/charannyk06/shadower-analytics/internal/metrics"
	"github.com/charannyk06/shadower-analytics/internal/ratelimit"
)

// HandlerConfig carries the knobs for the upgrade endpoint.
type HandlerConfig struct {
	AppURL            string
	IsDevelopment     bool
	HeartbeatInterval time.Duration
	DrainGracePeriod  time.Duration
	OutboundQueueSize int
}

// Handler serves the WebSocket upgrade endpoint. The admission order is
// fixed: local connection limits, then token verification, then workspace
// authorization, then the shared rate limiter, and only then the upgrade.
type Handler struct {
	registry      *Registry
	verifier      *auth.Verifier
	limiter       *ratelimit.Limiter
	limits        *ConnectionLimits
	metricsSource MetricsSource
	clock         clockwork.Clock
	cfg           HandlerConfig
	upgrader      websocket.Upgrader
}

// NewHandler creates the upgrade handler.
func NewHandler(registry *Registry, verifier *auth.Verifier, limiter *ratelimit.Limiter, limits *ConnectionLimits, metricsSource MetricsSource, clock clockwork.Clock, cfg HandlerConfig) *Handler {
	return &Handler{
		registry:      registry,
		verifier:      verifier,
		limiter:       limiter,
		limits:        limits,
		metricsSource: metricsSource,
		clock:         clock,
		cfg:           cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     NewCheckOrigin(cfg.AppURL, cfg.IsDevelopment),
		},
	}
}

// HandleEvents upgrades GET /ws/events?workspace=<id> and runs the session
// until the connection closes.
func (h *Handler) HandleEvents(c echo.Context) error {
	ip := c.RealIP()

	ok, reason := h.limits.Acquire(ip)
	if !ok {
		metrics.ConnectionsRejected.WithLabelValues(string(reason)).Inc()
		return apperrors.RateLimitedError(1)
	}
	defer h.limits.Release(ip)

	credential := extractCredential(c.Request())
	if credential == "" {
		metrics.ConnectionsTotal.WithLabelValues("unauthenticated").Inc()
		return apperrors.UnauthenticatedError("missing credential", nil)
	}

	principal, err := h.verifier.Verify(credential)
	if err != nil {
		metrics.ConnectionsTotal.WithLabelValues("unauthenticated").Inc()
		return err
	}

	workspaceID := c.QueryParam("workspace")
	if workspaceID == "" {
		metrics.ConnectionsTotal.WithLabelValues("error").Inc()
		return apperrors.ValidationError("workspace query parameter is required")
	}
	if !principal.AllowsWorkspace(workspaceID) {
		metrics.ConnectionsTotal.WithLabelValues("forbidden").Inc()
		return apperrors.ForbiddenError("credential does not grant access to workspace " + workspaceID)
	}

	decision := h.limiter.Admit(c.Request().Context(), principal.SubjectID, ratelimit.ClassRealtime)
	if !decision.Allowed {
		metrics.ConnectionsTotal.WithLabelValues("rate_limited").Inc()
		return apperrors.RateLimitedError(decision.RetryAfterSeconds())
	}

	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written its own HTTP error response.
		metrics.ConnectionsTotal.WithLabelValues("error").Inc()
		return nil
	}

	metrics.ConnectionsTotal.WithLabelValues("accepted").Inc()
	conn := newConn(ws, workspaceID, *principal, ip, h.cfg.OutboundQueueSize, h.clock)
	h.registry.Register(conn)

	sess := newSession(conn, h.registry, h.limiter, h.metricsSource, h.cfg.HeartbeatInterval, h.cfg.DrainGracePeriod)
	sess.run()
	return nil
}

// extractCredential takes the bearer token from the Authorization header,
// falling back to the token query parameter for browser WebSocket clients
// that cannot set headers.
func extractCredential(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}
