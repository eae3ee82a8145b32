package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus implements Bus on a NATS connection with unlimited reconnects.
// The client replays held subscriptions after a reconnect, but the router's
// resubscribe sweep still runs via OnReconnect so both drivers converge on
// the same recovery behavior.
type NATSBus struct {
	conn *nats.Conn

	mu          sync.RWMutex
	subs        map[string]*nats.Subscription
	handler     Handler
	onReconnect func()
}

// NewNATSBus connects to the NATS server at url.
func NewNATSBus(url string) (*NATSBus, error) {
	b := &NATSBus{subs: make(map[string]*nats.Subscription)}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("Bus connection restored", "url", nc.ConnectedUrl())
			b.mu.RLock()
			fn := b.onReconnect
			b.mu.RUnlock()
			if fn != nil {
				fn()
			}
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("Bus connection lost", "error", err)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	b.conn = conn
	return b, nil
}

// Publish sends payload to topic.
func (b *NATSBus) Publish(_ context.Context, topic string, payload []byte) error {
	return b.conn.Publish(topic, payload)
}

// Subscribe adds topics, skipping any already held.
func (b *NATSBus) Subscribe(_ context.Context, topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, topic := range topics {
		if _, ok := b.subs[topic]; ok {
			continue
		}
		sub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
			b.mu.RLock()
			handler := b.handler
			b.mu.RUnlock()
			if handler != nil {
				handler(msg.Subject, msg.Data)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
		b.subs[topic] = sub
	}

	// Flush so the server has registered the subscriptions before messages
	// from sibling instances are expected to arrive.
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("failed to flush subscriptions: %w", err)
	}
	return nil
}

// Unsubscribe removes topics. Unknown topics are ignored.
func (b *NATSBus) Unsubscribe(_ context.Context, topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, topic := range topics {
		sub, ok := b.subs[topic]
		if !ok {
			continue
		}
		delete(b.subs, topic)
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("failed to unsubscribe from %s: %w", topic, err)
		}
	}
	return nil
}

// OnMessage registers the message handler.
func (b *NATSBus) OnMessage(h Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// OnReconnect registers the reconnect callback.
func (b *NATSBus) OnReconnect(fn func()) {
	b.mu.Lock()
	b.onReconnect = fn
	b.mu.Unlock()
}

// Close drains the connection.
func (b *NATSBus) Close() error {
	b.conn.Close()
	return nil
}
