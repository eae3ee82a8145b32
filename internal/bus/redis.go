package bus

import (
	"context"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"
)

// RedisBus implements Bus on Redis Pub/Sub. One PubSub connection carries all
// workspace topics; a single dispatch goroutine fans messages out to the
// registered handler.
//
// The go-redis PubSub client re-issues SUBSCRIBE for every held channel after
// a connection loss, so OnReconnect never fires for this driver: there is no
// subscription state to rebuild from the outside. Messages published during
// the gap are lost, which is acceptable for realtime snapshots.
type RedisBus struct {
	rdb    *goredis.Client
	pubsub *goredis.PubSub

	mu      sync.RWMutex
	handler Handler

	closeOnce sync.Once
	done      chan struct{}
}

// NewRedisBus creates a bus on the shared client and starts its dispatch
// loop. The PubSub connection starts with no topics; the router subscribes
// lazily.
func NewRedisBus(ctx context.Context, rdb *goredis.Client) *RedisBus {
	b := &RedisBus{
		rdb:    rdb,
		pubsub: rdb.Subscribe(ctx),
		done:   make(chan struct{}),
	}
	go b.dispatch()
	return b
}

func (b *RedisBus) dispatch() {
	ch := b.pubsub.Channel(goredis.WithChannelSize(256))
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			b.mu.RLock()
			handler := b.handler
			b.mu.RUnlock()
			if handler != nil {
				handler(msg.Channel, []byte(msg.Payload))
			}
		case <-b.done:
			return
		}
	}
}

// Publish sends payload to every instance subscribed to topic.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.rdb.Publish(ctx, topic, payload).Err()
}

// Subscribe adds topics to the PubSub connection.
func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	return b.pubsub.Subscribe(ctx, topics...)
}

// Unsubscribe removes topics from the PubSub connection.
func (b *RedisBus) Unsubscribe(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	return b.pubsub.Unsubscribe(ctx, topics...)
}

// OnMessage registers the message handler.
func (b *RedisBus) OnMessage(h Handler) {
	b.mu.Lock()
	b.handler = h
	b.mu.Unlock()
}

// OnReconnect is a no-op for the Redis driver, see the type comment.
func (b *RedisBus) OnReconnect(func()) {}

// Close stops the dispatch loop and closes the PubSub connection. The shared
// Redis client stays open; it belongs to the caller.
func (b *RedisBus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.done)
		if cerr := b.pubsub.Close(); cerr != nil {
			slog.Warn("Failed to close pubsub connection", "error", cerr)
			err = cerr
		}
	})
	return err
}
