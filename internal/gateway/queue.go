package gateway

import (
	"sync"

	"github.com/charannyk06/shadower-analytics/internal/event"
)

// outboundQueue is the bounded per-connection buffer between the broadcaster
// and the connection's writer goroutine. The broadcaster pushes from handler
// goroutines; exactly one writer pops.
//
// When the queue is full the oldest normal-priority envelope is evicted to
// make room, so one slow client cannot grow memory in the process. High
// priority envelopes are never evicted; if the queue holds only high-priority
// entries the incoming envelope is dropped instead.
type outboundQueue struct {
	mu       sync.Mutex
	items    []*event.Envelope
	capacity int
	closed   bool

	// notify carries at most one pending wakeup for the writer.
	notify chan struct{}
}

func newOutboundQueue(capacity int) *outboundQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &outboundQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push enqueues env, evicting if necessary. It reports whether any envelope
// was dropped in the process (the evicted one or env itself).
func (q *outboundQueue) Push(env *event.Envelope) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return true
	}

	if len(q.items) >= q.capacity {
		evicted := false
		for i, queued := range q.items {
			if queued.Priority != event.PriorityHigh {
				q.items = append(q.items[:i], q.items[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted {
			q.mu.Unlock()
			return true
		}
		dropped = true
	}

	q.items = append(q.items, env)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pop removes and returns the oldest envelope.
func (q *outboundQueue) Pop() (*event.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	env := q.items[0]
	q.items = q.items[1:]
	return env, true
}

// Wakeup returns the channel the writer blocks on while the queue is empty.
func (q *outboundQueue) Wakeup() <-chan struct{} {
	return q.notify
}

// Len returns the number of queued envelopes.
func (q *outboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes. Queued envelopes stay poppable so the drain
// pass can flush them.
func (q *outboundQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}
