package gateway

import (
	"encoding/json"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/charannyk06/shadower-analytics/internal/event"
	"github.com/charannyk06/shadower-analytics/internal/metrics"
)

// Relay is the cross-process leg of event distribution. Relay must not
// block; the router publishes asynchronously and absorbs bus failures.
type Relay interface {
	Relay(env *event.Envelope)
}

// Broadcaster fans published events out to subscribed local connections and
// hands them to the relay for sibling instances. Both legs are best-effort:
// delivery is at-most-once and a failure on one leg never affects the other.
type Broadcaster struct {
	registry *Registry
	clock    clockwork.Clock

	mu    sync.RWMutex
	relay Relay
}

// NewBroadcaster creates a broadcaster over the registry. The relay is wired
// afterwards via SetRelay, since the router needs the broadcaster first.
func NewBroadcaster(registry *Registry, clock clockwork.Clock) *Broadcaster {
	return &Broadcaster{registry: registry, clock: clock}
}

// SetRelay wires the cross-process relay. A nil relay keeps distribution
// local-only.
func (b *Broadcaster) SetRelay(r Relay) {
	b.mu.Lock()
	b.relay = r
	b.mu.Unlock()
}

// Publish builds an envelope stamped with the current time, delivers it to
// subscribed local connections, and relays it to sibling instances. It never
// returns a delivery failure.
func (b *Broadcaster) Publish(workspaceID string, t event.Type, payload json.RawMessage, priority event.Priority) *event.Envelope {
	env := event.NewEnvelope(workspaceID, t, payload, priority, b.clock.Now())
	metrics.EnvelopesPublished.WithLabelValues(string(t)).Inc()

	b.DeliverLocal(env)

	b.mu.RLock()
	relay := b.relay
	b.mu.RUnlock()
	if relay != nil {
		relay.Relay(env)
	}
	return env
}

// DeliverLocal enqueues env to every open local connection of the envelope's
// workspace that subscribes to its type. The router calls this directly for
// envelopes arriving from the bus, never Publish, so relayed envelopes are
// not re-published.
func (b *Broadcaster) DeliverLocal(env *event.Envelope) {
	for _, conn := range b.registry.ConnectionsFor(env.WorkspaceID) {
		if conn.State() != StateOpen {
			continue
		}
		if !conn.Subscribed(env.Type) {
			continue
		}
		// A drop cancels one delivery: either the incoming envelope was
		// rejected or a previously counted one was evicted. Counting only
		// clean enqueues keeps delivered and dropped disjoint.
		if dropped := conn.Enqueue(env); dropped {
			metrics.QueueOverflowDrops.Inc()
			continue
		}
		metrics.EnvelopesDelivered.WithLabelValues(string(env.Type)).Inc()
	}
}
