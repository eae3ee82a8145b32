package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WebSocket Gateway Metrics
var (
	// ConnectionsCurrent tracks current active WebSocket connections
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_connections_current",
			Help: "Current number of active WebSocket connections",
		},
	)

	// ConnectionsTotal tracks connection attempts by result
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total WebSocket connection attempts by result (accepted/unauthenticated/forbidden/rate_limited/error)",
		},
		[]string{"result"},
	)

	// ConnectionsRejected tracks rejected connection attempts by limit reason
	ConnectionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_connections_rejected_total",
			Help: "Total WebSocket connections rejected by local limits (rate_limit/per_ip_limit/global_limit)",
		},
		[]string{"reason"},
	)

	// ConnectionDuration tracks how long connections stay open
	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_connection_duration_seconds",
			Help:    "WebSocket connection duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)

	// HeartbeatTimeouts tracks connections torn down after missed heartbeats
	HeartbeatTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_heartbeat_timeouts_total",
			Help: "Total connections closed after two missed heartbeat intervals",
		},
	)

	// MessageSendDuration tracks WebSocket frame write duration
	MessageSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_message_send_duration_seconds",
			Help:    "WebSocket message send duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// SubscriptionUpdates tracks subscribe/unsubscribe control messages
	SubscriptionUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_subscription_updates_total",
			Help: "Total subscription mutations by operation (subscribe/unsubscribe)",
		},
		[]string{"operation"},
	)
)

// Broadcast Metrics
var (
	// EnvelopesPublished tracks locally-originated publishes by event type
	EnvelopesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_envelopes_published_total",
			Help: "Total envelopes published on this instance by event type",
		},
		[]string{"type"},
	)

	// EnvelopesDelivered tracks envelopes enqueued to local connections
	EnvelopesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_envelopes_delivered_total",
			Help: "Total envelopes enqueued to subscribed local connections by event type",
		},
		[]string{"type"},
	)

	// QueueOverflowDrops tracks normal-priority envelopes evicted from full queues
	QueueOverflowDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "broadcast_queue_overflow_drops_total",
			Help: "Total envelopes dropped because a per-connection outbound queue was full",
		},
	)

	// WorkspacesActive tracks workspaces with at least one local connection
	WorkspacesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "broadcast_workspaces_active",
			Help: "Number of workspaces with at least one local connection",
		},
	)
)

// Relay (Pub/Sub Router) Metrics
var (
	// RelayPublished tracks envelopes handed off to the shared bus
	RelayPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_published_total",
			Help: "Total envelopes published to the shared bus",
		},
	)

	// RelayReceived tracks envelopes received from sibling instances
	RelayReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_received_total",
			Help: "Total envelopes received from the shared bus and delivered locally",
		},
	)

	// RelayErrors tracks failed bus publishes (delivery degraded to local-only)
	RelayErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Total bus publish failures absorbed by the router",
		},
	)

	// RelayTopicSubscriptions tracks currently subscribed workspace topics
	RelayTopicSubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_topic_subscriptions_current",
			Help: "Number of workspace topics this instance is subscribed to",
		},
	)

	// RelayResubscribes tracks full resubscribe sweeps after bus reconnects
	RelayResubscribes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_resubscribes_total",
			Help: "Total resubscribe sweeps performed after a bus reconnect",
		},
	)
)

// Rate Limiter Metrics
var (
	// RateLimitDecisions tracks admission decisions by endpoint class and result
	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Total admission decisions by class and result (allowed/denied/fail_open/fail_closed)",
		},
		[]string{"class", "result"},
	)

	// RateLimitStoreErrors tracks counter store failures
	RateLimitStoreErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ratelimit_store_errors_total",
			Help: "Total counter store errors during admission checks",
		},
	)

	// RateLimitStoreDuration tracks counter store round-trip latency
	RateLimitStoreDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ratelimit_store_duration_seconds",
			Help:    "Counter store admission call duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		},
	)
)

// Counter Store / Redis Metrics
var (
	// RedisOpsTotal tracks total Redis operations by operation type and status
	RedisOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_operations_total",
			Help: "Total Redis operations by operation and status",
		},
		[]string{"operation", "status"},
	)

	// RedisOpDuration tracks Redis operation latency in seconds
	RedisOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)

	// CircuitBreakerStateChanges tracks circuit breaker state transitions
	CircuitBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_changes_total",
			Help: "Circuit breaker state transitions by component and new state",
		},
		[]string{"component", "state"},
	)

	// CircuitBreakerState tracks current circuit breaker state (0=closed, 1=half-open, 2=open)
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"component"},
	)
)

// Instance Coordination Metrics
var (
	// InstanceRegistrySize tracks number of active instances in the registry
	InstanceRegistrySize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "instance_registry_size",
			Help: "Number of active instances in the registry",
		},
	)
)

// Build Information Metrics
var (
	// BuildInfo is a gauge that always returns 1, with build metadata as labels
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build information with version, commit, and go_version labels (value is always 1)",
		},
		[]string{"version", "commit", "go_version"},
	)
)
