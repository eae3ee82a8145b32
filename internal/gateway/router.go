package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/charannyk06/shadower-analytics/internal/bus"
	"github.com/charannyk06/shadower-analytics/internal/event"
	"github.com/charannyk06/shadower-analytics/internal/metrics"
)

const busPublishTimeout = 5 * time.Second

// TopicFor returns the bus topic carrying a workspace's events.
func TopicFor(workspaceID string) string {
	return "events:" + workspaceID
}

// busEnvelope is the wire shape relayed between instances. Origin lets a
// router discard its own publishes when they echo back from the bus, so a
// relayed envelope is delivered locally exactly once and never re-published.
type busEnvelope struct {
	Origin   string          `json:"origin"`
	Envelope *event.Envelope `json:"envelope"`
}

// Router bridges the local broadcaster and the shared bus. Topic
// subscriptions are lazy: a workspace topic is held only while this instance
// has at least one connection for that workspace.
type Router struct {
	bus         bus.Bus
	broadcaster *Broadcaster
	registry    *Registry
	instanceID  string
}

// NewRouter wires the router onto the bus. Call broadcaster.SetRelay with
// the result to complete the loop.
func NewRouter(b bus.Bus, broadcaster *Broadcaster, registry *Registry, instanceID string) *Router {
	r := &Router{
		bus:         b,
		broadcaster: broadcaster,
		registry:    registry,
		instanceID:  instanceID,
	}
	b.OnMessage(r.handleMessage)
	b.OnReconnect(r.handleReconnect)
	return r
}

// Relay publishes env to the workspace's topic asynchronously. Bus failures
// are absorbed: delivery degrades to local-only.
func (r *Router) Relay(env *event.Envelope) {
	go func() {
		data, err := json.Marshal(busEnvelope{Origin: r.instanceID, Envelope: env})
		if err != nil {
			slog.Error("Failed to marshal relay envelope", "error", err)
			metrics.RelayErrors.Inc()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), busPublishTimeout)
		defer cancel()
		if err := r.bus.Publish(ctx, TopicFor(env.WorkspaceID), data); err != nil {
			slog.Warn("Failed to relay envelope, delivery degraded to local-only",
				"workspace_id", env.WorkspaceID,
				"event_type", string(env.Type),
				"error", err,
			)
			metrics.RelayErrors.Inc()
			return
		}
		metrics.RelayPublished.Inc()
	}()
}

// WorkspaceActive subscribes to the workspace's topic. The registry fires
// this on the first local connection for the workspace.
func (r *Router) WorkspaceActive(workspaceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), busPublishTimeout)
	defer cancel()
	if err := r.bus.Subscribe(ctx, TopicFor(workspaceID)); err != nil {
		slog.Warn("Failed to subscribe to workspace topic", "workspace_id", workspaceID, "error", err)
		return
	}
	metrics.RelayTopicSubscriptions.Inc()
}

// WorkspaceIdle unsubscribes from the workspace's topic. The registry fires
// this when the last local connection for the workspace leaves.
func (r *Router) WorkspaceIdle(workspaceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), busPublishTimeout)
	defer cancel()
	if err := r.bus.Unsubscribe(ctx, TopicFor(workspaceID)); err != nil {
		slog.Warn("Failed to unsubscribe from workspace topic", "workspace_id", workspaceID, "error", err)
		return
	}
	metrics.RelayTopicSubscriptions.Dec()
}

// handleMessage feeds envelopes from sibling instances into local delivery
// only. Own publishes echo back from the bus and are dropped here.
func (r *Router) handleMessage(_ string, payload []byte) {
	var msg busEnvelope
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Envelope == nil {
		slog.Warn("Discarding malformed relay message", "error", err)
		return
	}
	if msg.Origin == r.instanceID {
		return
	}

	metrics.RelayReceived.Inc()
	r.broadcaster.DeliverLocal(msg.Envelope)
}

// handleReconnect re-subscribes every topic with at least one active local
// connection after the bus connection was rebuilt.
func (r *Router) handleReconnect() {
	workspaces := r.registry.Workspaces()
	if len(workspaces) == 0 {
		return
	}
	topics := make([]string, len(workspaces))
	for i, ws := range workspaces {
		topics[i] = TopicFor(ws)
	}

	ctx, cancel := context.WithTimeout(context.Background(), busPublishTimeout)
	defer cancel()
	if err := r.bus.Subscribe(ctx, topics...); err != nil {
		slog.Error("Failed to resubscribe workspace topics after reconnect", "error", err)
		return
	}
	metrics.RelayResubscribes.Inc()
	slog.Info("Resubscribed workspace topics after bus reconnect", "topics", len(topics))
}
