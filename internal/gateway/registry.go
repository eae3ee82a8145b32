package gateway

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/charannyk06/shadower-analytics/internal/event"
	"github.com/charannyk06/shadower-analytics/internal/metrics"
)

// SubscriptionOp selects the mutation applied by UpdateSubscription.
type SubscriptionOp string

const (
	SubscriptionAdd    SubscriptionOp = "add"
	SubscriptionRemove SubscriptionOp = "remove"
)

// Registry is the per-process table of live connections, bucketed by
// workspace. It is purely in-memory; its size is bounded by the number of
// live connections.
type Registry struct {
	mu          sync.RWMutex
	byWorkspace map[string]map[uuid.UUID]*Conn
	byID        map[uuid.UUID]*Conn

	onFirst func(workspaceID string)
	onLast  func(workspaceID string)

	// hookMu serializes hook dispatch; hookHeld tracks which workspaces have
	// an outstanding onFirst. Reconciling against the live bucket state under
	// hookMu keeps a stale last-connection notification from racing a fresh
	// first-connection one and unsubscribing a workspace that has connections.
	hookMu   sync.Mutex
	hookHeld map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byWorkspace: make(map[string]map[uuid.UUID]*Conn),
		byID:        make(map[uuid.UUID]*Conn),
		hookHeld:    make(map[string]bool),
	}
}

// SetWorkspaceHooks registers callbacks fired when a workspace gains its
// first local connection and loses its last one. The router uses these to
// subscribe and unsubscribe workspace topics lazily. Hooks run outside the
// registry lock and never concurrently with each other.
func (r *Registry) SetWorkspaceHooks(onFirst, onLast func(workspaceID string)) {
	r.mu.Lock()
	r.onFirst = onFirst
	r.onLast = onLast
	r.mu.Unlock()
}

// syncWorkspaceHooks reconciles hook state for one workspace with the
// registry's current contents and fires the matching callback. Interleaved
// register/deregister churn collapses to the latest state, so the topic is
// held exactly while the workspace has local connections.
func (r *Registry) syncWorkspaceHooks(workspaceID string) {
	r.hookMu.Lock()
	defer r.hookMu.Unlock()

	r.mu.RLock()
	active := len(r.byWorkspace[workspaceID]) > 0
	onFirst, onLast := r.onFirst, r.onLast
	r.mu.RUnlock()

	held := r.hookHeld[workspaceID]
	switch {
	case active && !held:
		r.hookHeld[workspaceID] = true
		if onFirst != nil {
			onFirst(workspaceID)
		}
	case !active && held:
		delete(r.hookHeld, workspaceID)
		if onLast != nil {
			onLast(workspaceID)
		}
	}
}

// Register adds conn to its workspace bucket.
func (r *Registry) Register(conn *Conn) {
	r.mu.Lock()
	bucket, ok := r.byWorkspace[conn.WorkspaceID]
	if !ok {
		bucket = make(map[uuid.UUID]*Conn)
		r.byWorkspace[conn.WorkspaceID] = bucket
	}
	first := len(bucket) == 0
	bucket[conn.ID] = conn
	r.byID[conn.ID] = conn
	workspaces := len(r.byWorkspace)
	r.mu.Unlock()

	metrics.ConnectionsCurrent.Inc()
	metrics.WorkspacesActive.Set(float64(workspaces))
	if first {
		r.syncWorkspaceHooks(conn.WorkspaceID)
	}
}

// Deregister removes the connection with the given id. Unknown ids are
// ignored, so double teardown is harmless.
func (r *Registry) Deregister(id uuid.UUID) {
	r.mu.Lock()
	conn, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byID, id)

	last := false
	if bucket, ok := r.byWorkspace[conn.WorkspaceID]; ok {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(r.byWorkspace, conn.WorkspaceID)
			last = true
		}
	}
	workspaces := len(r.byWorkspace)
	r.mu.Unlock()

	metrics.ConnectionsCurrent.Dec()
	metrics.WorkspacesActive.Set(float64(workspaces))
	if last {
		r.syncWorkspaceHooks(conn.WorkspaceID)
	}
}

// ConnectionsFor returns a snapshot of the workspace's connections, so
// delivery can iterate while other goroutines register and deregister.
func (r *Registry) ConnectionsFor(workspaceID string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bucket := r.byWorkspace[workspaceID]
	if len(bucket) == 0 {
		return nil
	}
	conns := make([]*Conn, 0, len(bucket))
	for _, conn := range bucket {
		conns = append(conns, conn)
	}
	return conns
}

// Get returns the connection with the given id.
func (r *Registry) Get(id uuid.UUID) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byID[id]
	return conn, ok
}

// UpdateSubscription mutates the subscription set of one connection.
func (r *Registry) UpdateSubscription(id uuid.UUID, op SubscriptionOp, types []event.Type) error {
	conn, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("unknown connection %s", id)
	}

	switch op {
	case SubscriptionAdd:
		if !conn.addSubscriptions(types) {
			return fmt.Errorf("connection %s is not open", id)
		}
	case SubscriptionRemove:
		conn.removeSubscriptions(types)
	default:
		return fmt.Errorf("unknown subscription operation %q", op)
	}

	metrics.SubscriptionUpdates.WithLabelValues(string(op)).Inc()
	return nil
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// CloseAll severs every connection with a going-away close frame. Each
// session runs its usual teardown and deregisters itself.
func (r *Registry) CloseAll(reason string) {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.byID))
	for _, conn := range r.byID {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		conn.CloseNow(websocket.CloseGoingAway, reason)
	}
}

// Workspaces returns the workspaces that currently have local connections.
// The router resubscribes from this list after a bus reconnect.
func (r *Registry) Workspaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byWorkspace))
	for ws := range r.byWorkspace {
		out = append(out, ws)
	}
	return out
}
