package gateway

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charannyk06/shadower-analytics/internal/auth"
	"github.com/charannyk06/shadower-analytics/internal/event"
	"github.com/charannyk06/shadower-analytics/internal/metrics"
)

type recordingRelay struct {
	mu        sync.Mutex
	envelopes []*event.Envelope
}

func (r *recordingRelay) Relay(env *event.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envelopes = append(r.envelopes, env)
}

func (r *recordingRelay) all() []*event.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*event.Envelope(nil), r.envelopes...)
}

func drainTypes(conn *Conn) []event.Type {
	var types []event.Type
	for {
		env, ok := conn.queue.Pop()
		if !ok {
			return types
		}
		types = append(types, env.Type)
	}
}

func TestBroadcasterFiltersBySubscription(t *testing.T) {
	registry := NewRegistry()
	b := NewBroadcaster(registry, clockwork.NewFakeClock())

	conn := newTestConn(t, "ws-1")
	registry.Register(conn)
	require.NoError(t, registry.UpdateSubscription(conn.ID, SubscriptionAdd, []event.Type{event.TypeAlert}))

	b.Publish("ws-1", event.TypeExecutionCompleted, nil, event.PriorityNormal)
	assert.Equal(t, 0, conn.QueueLen(), "unsubscribed type must not be delivered")

	b.Publish("ws-1", event.TypeAlert, json.RawMessage(`{"severity":"page"}`), event.PriorityNormal)
	assert.Equal(t, []event.Type{event.TypeAlert}, drainTypes(conn))
}

func TestBroadcasterIsolatesWorkspaces(t *testing.T) {
	registry := NewRegistry()
	b := NewBroadcaster(registry, clockwork.NewFakeClock())

	mine := newTestConn(t, "ws-1")
	other := newTestConn(t, "ws-2")
	registry.Register(mine)
	registry.Register(other)
	for _, conn := range []*Conn{mine, other} {
		require.NoError(t, registry.UpdateSubscription(conn.ID, SubscriptionAdd, []event.Type{event.TypeAlert}))
	}

	b.Publish("ws-1", event.TypeAlert, nil, event.PriorityNormal)

	assert.Equal(t, 1, mine.QueueLen())
	assert.Equal(t, 0, other.QueueLen())
}

func TestBroadcasterPreservesPublishOrder(t *testing.T) {
	registry := NewRegistry()
	b := NewBroadcaster(registry, clockwork.NewFakeClock())

	conn := newTestConn(t, "ws-1")
	registry.Register(conn)
	require.NoError(t, registry.UpdateSubscription(conn.ID, SubscriptionAdd,
		[]event.Type{event.TypeExecutionStarted, event.TypeExecutionCompleted}))

	b.Publish("ws-1", event.TypeExecutionStarted, nil, event.PriorityNormal)
	b.Publish("ws-1", event.TypeExecutionCompleted, nil, event.PriorityNormal)

	assert.Equal(t, []event.Type{event.TypeExecutionStarted, event.TypeExecutionCompleted}, drainTypes(conn))
}

func TestBroadcasterSkipsNonOpenConnections(t *testing.T) {
	registry := NewRegistry()
	b := NewBroadcaster(registry, clockwork.NewFakeClock())

	conn := newTestConn(t, "ws-1")
	registry.Register(conn)
	require.NoError(t, registry.UpdateSubscription(conn.ID, SubscriptionAdd, []event.Type{event.TypeAlert}))
	require.True(t, conn.transition(StateOpen, StateDraining))

	b.Publish("ws-1", event.TypeAlert, nil, event.PriorityNormal)
	assert.Equal(t, 0, conn.QueueLen())
}

func TestBroadcasterHandsEnvelopeToRelay(t *testing.T) {
	registry := NewRegistry()
	b := NewBroadcaster(registry, clockwork.NewFakeClock())
	relay := &recordingRelay{}
	b.SetRelay(relay)

	// Relay happens even with zero local subscribers.
	env := b.Publish("ws-1", event.TypeAlert, json.RawMessage(`{"a":1}`), event.PriorityHigh)

	relayed := relay.all()
	require.Len(t, relayed, 1)
	assert.Same(t, env, relayed[0])
	assert.Equal(t, "ws-1", relayed[0].WorkspaceID)
	assert.Equal(t, event.PriorityHigh, relayed[0].Priority)
}

func TestBroadcasterWithoutRelayIsLocalOnly(t *testing.T) {
	registry := NewRegistry()
	b := NewBroadcaster(registry, clockwork.NewFakeClock())

	conn := newTestConn(t, "ws-1")
	registry.Register(conn)
	require.NoError(t, registry.UpdateSubscription(conn.ID, SubscriptionAdd, []event.Type{event.TypeAlert}))

	b.Publish("ws-1", event.TypeAlert, nil, event.PriorityNormal)
	assert.Equal(t, 1, conn.QueueLen())
}

func TestBroadcasterCountsOverflowDrops(t *testing.T) {
	registry := NewRegistry()
	b := NewBroadcaster(registry, clockwork.NewFakeClock())

	conn := newConn(nil, "ws-1", auth.Principal{SubjectID: "user-1"}, "127.0.0.1", 2, clockwork.NewFakeClock())
	require.True(t, conn.transition(StateConnecting, StateOpen))
	registry.Register(conn)
	require.NoError(t, registry.UpdateSubscription(conn.ID, SubscriptionAdd, []event.Type{event.TypeAlert}))

	deliveredBefore := testutil.ToFloat64(metrics.EnvelopesDelivered.WithLabelValues(string(event.TypeAlert)))
	droppedBefore := testutil.ToFloat64(metrics.QueueOverflowDrops)

	for i := 0; i < 5; i++ {
		b.Publish("ws-1", event.TypeAlert, nil, event.PriorityNormal)
	}

	// Queue stays bounded at its capacity regardless of publish volume, and
	// every publish is counted as either delivered or dropped, never both.
	assert.Equal(t, 2, conn.QueueLen())
	delivered := testutil.ToFloat64(metrics.EnvelopesDelivered.WithLabelValues(string(event.TypeAlert))) - deliveredBefore
	dropped := testutil.ToFloat64(metrics.QueueOverflowDrops) - droppedBefore
	assert.Equal(t, float64(2), delivered)
	assert.Equal(t, float64(3), dropped)
}
