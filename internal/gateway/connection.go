package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/charannyk06/shadower-analytics/internal/auth"
	"github.com/charannyk06/shadower-analytics/internal/event"
)

// State is the lifecycle state of one connection.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one live WebSocket connection. The registry owns it for its
// lifetime; other instances only ever see its workspace via the relay.
// WorkspaceID is fixed at handshake and never changes.
type Conn struct {
	ID          uuid.UUID
	WorkspaceID string
	Principal   auth.Principal
	RemoteIP    string

	ws    *websocket.Conn
	queue *outboundQueue
	clock clockwork.Clock

	state         atomic.Int32
	lastHeartbeat atomic.Int64
	openedAt      time.Time

	subMu sync.RWMutex
	subs  map[event.Type]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// newConn creates a connection in the connecting state with an empty
// subscription set. ws may be nil in tests that never touch the socket.
func newConn(ws *websocket.Conn, workspaceID string, principal auth.Principal, remoteIP string, queueSize int, clock clockwork.Clock) *Conn {
	c := &Conn{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		Principal:   principal,
		RemoteIP:    remoteIP,
		ws:          ws,
		queue:       newOutboundQueue(queueSize),
		clock:       clock,
		openedAt:    clock.Now(),
		subs:        make(map[event.Type]struct{}),
		done:        make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	c.lastHeartbeat.Store(clock.Now().UnixNano())
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// transition moves from exactly `from` to `to`. It fails when another
// goroutine won the race, which keeps teardown idempotent.
func (c *Conn) transition(from, to State) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// markHeartbeat records client liveness (pong or any inbound message).
func (c *Conn) markHeartbeat() {
	c.lastHeartbeat.Store(c.clock.Now().UnixNano())
}

// LastHeartbeat returns the time of the last observed client liveness signal.
func (c *Conn) LastHeartbeat() time.Time {
	return time.Unix(0, c.lastHeartbeat.Load())
}

// Subscribed reports whether the connection wants envelopes of type t.
func (c *Conn) Subscribed(t event.Type) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subs[t]
	return ok
}

// Subscriptions returns a copy of the subscription set.
func (c *Conn) Subscriptions() []event.Type {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	types := make([]event.Type, 0, len(c.subs))
	for t := range c.subs {
		types = append(types, t)
	}
	return types
}

// addSubscriptions adds types to the set. Adding an existing type is a no-op,
// so subscribe is idempotent. Draining connections accept no new
// subscriptions.
func (c *Conn) addSubscriptions(types []event.Type) bool {
	if c.State() != StateOpen {
		return false
	}
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, t := range types {
		c.subs[t] = struct{}{}
	}
	return true
}

// removeSubscriptions removes types from the set. Unknown types are ignored.
func (c *Conn) removeSubscriptions(types []event.Type) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, t := range types {
		delete(c.subs, t)
	}
}

// Enqueue pushes env onto the outbound queue. It reports whether an envelope
// was dropped to make room.
func (c *Conn) Enqueue(env *event.Envelope) (dropped bool) {
	return c.queue.Push(env)
}

// CloseNow sends a close frame and severs the socket. The session's read
// loop observes the dead socket and runs its normal teardown. Used on
// process shutdown, where waiting on read deadlines is too slow.
func (c *Conn) CloseNow(code int, reason string) {
	if c.ws == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, c.clock.Now().Add(writeDeadline))
	_ = c.ws.Close()
}

// QueueLen returns the outbound queue depth.
func (c *Conn) QueueLen() int {
	return c.queue.Len()
}

// Age returns how long the connection has been alive.
func (c *Conn) Age() time.Duration {
	return c.clock.Since(c.openedAt)
}

// Done is closed when the connection finishes teardown.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}
