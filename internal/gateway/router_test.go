package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charannyk06/shadower-analytics/internal/bus"
	"github.com/charannyk06/shadower-analytics/internal/event"
)

// fakeHub connects fake buses so publishes on one instance reach every
// subscribed instance, mimicking the shared transport.
type fakeHub struct {
	mu    sync.Mutex
	buses []*fakeBus
}

func (h *fakeHub) newBus() *fakeBus {
	h.mu.Lock()
	defer h.mu.Unlock()
	b := &fakeBus{hub: h, topics: make(map[string]struct{})}
	h.buses = append(h.buses, b)
	return b
}

type fakeBus struct {
	hub *fakeHub

	mu          sync.Mutex
	topics      map[string]struct{}
	handler     bus.Handler
	onReconnect func()
	publishErr  error
}

var _ bus.Bus = (*fakeBus)(nil)

func (b *fakeBus) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	err := b.publishErr
	b.mu.Unlock()
	if err != nil {
		return err
	}

	b.hub.mu.Lock()
	receivers := append([]*fakeBus(nil), b.hub.buses...)
	b.hub.mu.Unlock()

	for _, receiver := range receivers {
		receiver.mu.Lock()
		_, subscribed := receiver.topics[topic]
		handler := receiver.handler
		receiver.mu.Unlock()
		if subscribed && handler != nil {
			handler(topic, payload)
		}
	}
	return nil
}

func (b *fakeBus) Subscribe(_ context.Context, topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		b.topics[topic] = struct{}{}
	}
	return nil
}

func (b *fakeBus) Unsubscribe(_ context.Context, topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, topic := range topics {
		delete(b.topics, topic)
	}
	return nil
}

func (b *fakeBus) OnMessage(h bus.Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

func (b *fakeBus) OnReconnect(fn func()) {
	b.mu.Lock()
	b.onReconnect = fn
	b.mu.Unlock()
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) subscribedTo(topic string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.topics[topic]
	return ok
}

func (b *fakeBus) dropSubscriptions() {
	b.mu.Lock()
	b.topics = make(map[string]struct{})
	b.mu.Unlock()
}

func (b *fakeBus) fireReconnect() {
	b.mu.Lock()
	fn := b.onReconnect
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// instance bundles one gateway process for cross-instance tests.
type instance struct {
	registry    *Registry
	broadcaster *Broadcaster
	router      *Router
	bus         *fakeBus
}

func newInstance(t *testing.T, hub *fakeHub, id string) *instance {
	t.Helper()
	registry := NewRegistry()
	broadcaster := NewBroadcaster(registry, clockwork.NewFakeClock())
	b := hub.newBus()
	router := NewRouter(b, broadcaster, registry, id)
	broadcaster.SetRelay(router)
	registry.SetWorkspaceHooks(router.WorkspaceActive, router.WorkspaceIdle)
	return &instance{registry: registry, broadcaster: broadcaster, router: router, bus: b}
}

func (i *instance) addSubscribedConn(t *testing.T, workspaceID string, types ...event.Type) *Conn {
	t.Helper()
	conn := newTestConn(t, workspaceID)
	i.registry.Register(conn)
	require.NoError(t, i.registry.UpdateSubscription(conn.ID, SubscriptionAdd, types))
	return conn
}

func TestRouterRelaysAcrossInstances(t *testing.T) {
	hub := &fakeHub{}
	a := newInstance(t, hub, "instance-a")
	b := newInstance(t, hub, "instance-b")

	localConn := a.addSubscribedConn(t, "ws-1", event.TypeAlert)
	remoteConn := b.addSubscribedConn(t, "ws-1", event.TypeAlert)

	a.broadcaster.Publish("ws-1", event.TypeAlert, nil, event.PriorityNormal)

	require.Eventually(t, func() bool {
		return remoteConn.QueueLen() == 1
	}, 2*time.Second, 10*time.Millisecond, "sibling instance should deliver the relayed envelope")

	// The publishing instance delivered locally once; its own relayed copy
	// echoing back from the bus was discarded.
	assert.Equal(t, 1, localConn.QueueLen())

	env, ok := remoteConn.queue.Pop()
	require.True(t, ok)
	assert.Equal(t, event.TypeAlert, env.Type)
	assert.Equal(t, "ws-1", env.WorkspaceID)
}

func TestRouterLazyTopicSubscription(t *testing.T) {
	hub := &fakeHub{}
	inst := newInstance(t, hub, "instance-a")

	assert.False(t, inst.bus.subscribedTo("events:ws-1"))

	c1 := inst.addSubscribedConn(t, "ws-1", event.TypeAlert)
	assert.True(t, inst.bus.subscribedTo("events:ws-1"), "first connection subscribes the topic")

	c2 := inst.addSubscribedConn(t, "ws-1", event.TypeAlert)
	inst.registry.Deregister(c1.ID)
	assert.True(t, inst.bus.subscribedTo("events:ws-1"), "topic stays while a connection remains")

	inst.registry.Deregister(c2.ID)
	assert.False(t, inst.bus.subscribedTo("events:ws-1"), "last disconnect unsubscribes the topic")
}

func TestRouterResubscribesAfterReconnect(t *testing.T) {
	hub := &fakeHub{}
	inst := newInstance(t, hub, "instance-a")
	inst.addSubscribedConn(t, "ws-1", event.TypeAlert)
	inst.addSubscribedConn(t, "ws-2", event.TypeAlert)

	inst.bus.dropSubscriptions()
	inst.bus.fireReconnect()

	assert.True(t, inst.bus.subscribedTo("events:ws-1"))
	assert.True(t, inst.bus.subscribedTo("events:ws-2"))
}

func TestRouterIgnoresMalformedBusMessages(t *testing.T) {
	hub := &fakeHub{}
	inst := newInstance(t, hub, "instance-a")
	conn := inst.addSubscribedConn(t, "ws-1", event.TypeAlert)

	require.NoError(t, inst.bus.Publish(context.Background(), "events:ws-1", []byte("not json")))
	require.NoError(t, inst.bus.Publish(context.Background(), "events:ws-1", []byte(`{"origin":"other"}`)))

	assert.Equal(t, 0, conn.QueueLen())
}

func TestRouterAbsorbsPublishFailures(t *testing.T) {
	hub := &fakeHub{}
	inst := newInstance(t, hub, "instance-a")
	conn := inst.addSubscribedConn(t, "ws-1", event.TypeAlert)
	inst.bus.publishErr = context.DeadlineExceeded

	// Local delivery still happens when the bus is down.
	inst.broadcaster.Publish("ws-1", event.TypeAlert, nil, event.PriorityNormal)
	assert.Equal(t, 1, conn.QueueLen())
}
