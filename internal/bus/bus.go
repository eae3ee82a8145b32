// Package bus abstracts the shared message transport used to relay events
// between gateway instances. Two drivers exist: Redis Pub/Sub (the default)
// and NATS.
package bus

import "context"

// Handler receives one raw message from the transport. Handlers run on the
// driver's dispatch goroutine and must not block.
type Handler func(topic string, payload []byte)

// Bus is a topic-based publish/subscribe transport. Subscriptions are
// dynamic: the router adds a workspace topic when the first local connection
// for that workspace appears and removes it when the last one leaves.
//
// OnMessage and OnReconnect must be set before the first Subscribe call.
// Subscribe is idempotent per topic.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) error
	Unsubscribe(ctx context.Context, topics ...string) error
	OnMessage(h Handler)
	OnReconnect(fn func())
	Close() error
}
