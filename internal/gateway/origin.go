package gateway

import (
	"log/slog"
	"net/http"
	"net/url"

	"github.com/charannyk06/shadower-analytics/internal/metrics"
)

// NewCheckOrigin returns the Origin check for the WebSocket upgrader. An
// absent Origin header is allowed (non-browser clients such as CLI
// dashboards), as is the platform's own origin derived from appURL. When
// isDevelopment is true, localhost origins are additionally allowed.
// Rejections are counted alongside the other connection rejections.
func NewCheckOrigin(appURL string, isDevelopment bool) func(r *http.Request) bool {
	appOrigin := extractOrigin(appURL)

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		switch {
		case origin == "", origin == appOrigin:
			return true
		case isDevelopment && isLocalhostOrigin(origin):
			return true
		}

		metrics.ConnectionsRejected.WithLabelValues("origin").Inc()
		slog.Warn("WebSocket origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

func extractOrigin(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func isLocalhostOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1"
}
