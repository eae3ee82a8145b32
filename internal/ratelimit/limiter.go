// Package ratelimit implements multi-tier sliding-window admission control
// backed by a shared counter store, so limits hold across gateway processes.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/charannyk06/shadower-analytics/internal/metrics"
)

// Class groups endpoints that share a rate-limit budget.
type Class string

const (
	// ClassGeneral covers ordinary API endpoints.
	ClassGeneral Class = "general"
	// ClassAuth covers authentication endpoints, the strictest tier.
	ClassAuth Class = "auth"
	// ClassRealtime covers realtime/metrics endpoints, including the
	// WebSocket upgrade and request_metrics messages.
	ClassRealtime Class = "realtime"
)

// Tier holds the budgets for one class. A request is admitted only when
// every window has headroom.
type Tier struct {
	PerMinute int
	PerHour   int
}

// DefaultTiers returns the documented default budgets.
func DefaultTiers() map[Class]Tier {
	return map[Class]Tier{
		ClassGeneral:  {PerMinute: 60, PerHour: 1000},
		ClassAuth:     {PerMinute: 5, PerHour: 50},
		ClassRealtime: {PerMinute: 20, PerHour: 300},
	}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RetryAfterSeconds returns the wait hint rounded up to whole seconds,
// never below 1 for a denial.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int(math.Ceil(d.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Store performs the atomic prune-check-record step against the shared
// counter store. Admission check and timestamp recording must be a single
// atomic operation: two concurrent calls at count = limit-1 must not both
// be admitted.
type Store interface {
	Admit(ctx context.Context, key string, now time.Time, tier Tier) (Decision, error)
}

// Limiter decides admission for (actor, endpoint class) pairs.
//
// Store outages are handled according to the fail-open policy: when the
// store call errors or times out, a fail-open limiter admits the request
// (availability over strict enforcement), a fail-closed one denies it.
type Limiter struct {
	store    Store
	tiers    map[Class]Tier
	clock    clockwork.Clock
	timeout  time.Duration
	failOpen bool
}

// NewLimiter creates a limiter. timeout bounds every store call so admission
// checks never await unbounded I/O.
func NewLimiter(store Store, tiers map[Class]Tier, clock clockwork.Clock, timeout time.Duration, failOpen bool) *Limiter {
	if tiers == nil {
		tiers = DefaultTiers()
	}
	return &Limiter{
		store:    store,
		tiers:    tiers,
		clock:    clock,
		timeout:  timeout,
		failOpen: failOpen,
	}
}

// Admit checks and records one request for the given actor and class.
func (l *Limiter) Admit(ctx context.Context, actorKey string, class Class) Decision {
	tier, ok := l.tiers[class]
	if !ok {
		tier = l.tiers[ClassGeneral]
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	start := time.Now()
	decision, err := l.store.Admit(ctx, storeKey(actorKey, class), l.clock.Now(), tier)
	metrics.RateLimitStoreDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.RateLimitStoreErrors.Inc()
		if l.failOpen {
			slog.Warn("Counter store unavailable, admitting request",
				"actor_key", actorKey,
				"class", string(class),
				"error", err,
			)
			metrics.RateLimitDecisions.WithLabelValues(string(class), "fail_open").Inc()
			return Decision{Allowed: true}
		}
		slog.Warn("Counter store unavailable, denying request",
			"actor_key", actorKey,
			"class", string(class),
			"error", err,
		)
		metrics.RateLimitDecisions.WithLabelValues(string(class), "fail_closed").Inc()
		return Decision{Allowed: false, RetryAfter: time.Second}
	}

	if decision.Allowed {
		metrics.RateLimitDecisions.WithLabelValues(string(class), "allowed").Inc()
	} else {
		metrics.RateLimitDecisions.WithLabelValues(string(class), "denied").Inc()
	}
	return decision
}

func storeKey(actorKey string, class Class) string {
	return "ratelimit:" + string(class) + ":" + actorKey
}
