package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charannyk06/shadower-analytics/internal/event"
	"github.com/charannyk06/shadower-analytics/internal/logging"
	"github.com/charannyk06/shadower-analytics/internal/metrics"
	"github.com/charannyk06/shadower-analytics/internal/ratelimit"
	"github.com/charannyk06/shadower-analytics/internal/redis"
)

const (
	writeDeadline   = 5 * time.Second
	maxInboundBytes = 4096
	lookupTimeout   = 2 * time.Second
)

// MetricsSource serves request_metrics lookups. The gateway treats snapshot
// payloads as opaque JSON.
type MetricsSource interface {
	Snapshot(ctx context.Context, workspaceID, metricType string) (json.RawMessage, error)
}

// controlMessage is the inbound client message shape, tagged by type.
type controlMessage struct {
	Type       string   `json:"type"`
	EventTypes []string `json:"event_types,omitempty"`
	MetricType string   `json:"metric_type,omitempty"`
}

// connectedPayload is the data field of the frame sent right after a
// successful handshake.
type connectedPayload struct {
	ConnectionID string `json:"connection_id"`
	WorkspaceID  string `json:"workspace_id"`
}

// errorPayload is the data field of error frames. The connection stays open
// after an error frame; only transport failures and heartbeat timeouts
// terminate it.
type errorPayload struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// session drives one connection through its lifecycle: it owns the single
// reader and the single writer goroutine, the heartbeat bookkeeping, and the
// drain on teardown.
type session struct {
	conn          *Conn
	registry      *Registry
	limiter       *ratelimit.Limiter
	metricsSource MetricsSource

	heartbeatInterval time.Duration
	drainGrace        time.Duration

	stopWriter chan struct{}
	writerDone sync.WaitGroup
	logger     *slog.Logger
}

func newSession(conn *Conn, registry *Registry, limiter *ratelimit.Limiter, metricsSource MetricsSource, heartbeatInterval, drainGrace time.Duration) *session {
	return &session{
		conn:              conn,
		registry:          registry,
		limiter:           limiter,
		metricsSource:     metricsSource,
		heartbeatInterval: heartbeatInterval,
		drainGrace:        drainGrace,
		stopWriter:        make(chan struct{}),
		logger:            logging.WithConnection(conn.ID.String()).With("workspace_id", conn.WorkspaceID),
	}
}

// run blocks until the connection is torn down.
func (s *session) run() {
	defer s.teardown()

	if !s.conn.transition(StateConnecting, StateOpen) {
		return
	}
	s.sendConnected()

	s.writerDone.Add(1)
	go s.writeLoop()

	s.readLoop()
}

// readLoop processes inbound control messages until the socket errors or the
// read deadline expires. The deadline spans two heartbeat intervals and is
// refreshed by pongs and by any inbound message, so two consecutive missed
// heartbeats end the connection.
func (s *session) readLoop() {
	s.conn.ws.SetReadLimit(maxInboundBytes)
	s.refreshReadDeadline()
	s.conn.ws.SetPongHandler(func(string) error {
		s.refreshReadDeadline()
		s.conn.markHeartbeat()
		return nil
	})

	for {
		_, data, err := s.conn.ws.ReadMessage()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				metrics.HeartbeatTimeouts.Inc()
				s.logger.Info("Closing connection after missed heartbeats",
					"last_heartbeat", s.conn.LastHeartbeat())
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Info("Connection closed unexpectedly", "error", err)
			}
			return
		}

		s.refreshReadDeadline()
		s.conn.markHeartbeat()
		s.handleControl(data)
	}
}

func (s *session) refreshReadDeadline() {
	_ = s.conn.ws.SetReadDeadline(s.conn.clock.Now().Add(2 * s.heartbeatInterval))
}

func (s *session) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError("malformed_message", "message is not valid JSON", 0)
		return
	}

	switch msg.Type {
	case "subscribe":
		s.updateSubscriptions(SubscriptionAdd, msg.EventTypes)
	case "unsubscribe":
		s.updateSubscriptions(SubscriptionRemove, msg.EventTypes)
	case "ping":
		s.enqueueDirect(event.TypePong, nil)
	case "request_metrics":
		s.handleMetricsRequest(msg.MetricType)
	default:
		s.sendError("unknown_message_type", fmt.Sprintf("unknown message type %q", msg.Type), 0)
	}
}

func (s *session) updateSubscriptions(op SubscriptionOp, rawTypes []string) {
	if len(rawTypes) == 0 {
		s.sendError("invalid_subscription", "event_types must not be empty", 0)
		return
	}

	types := make([]event.Type, 0, len(rawTypes))
	for _, raw := range rawTypes {
		t := event.ParseType(raw)
		if !t.Known() {
			s.sendError("unknown_event_type", fmt.Sprintf("unknown event type %q", raw), 0)
			return
		}
		types = append(types, t)
	}

	if err := s.registry.UpdateSubscription(s.conn.ID, op, types); err != nil {
		s.sendError("subscription_rejected", err.Error(), 0)
	}
}

func (s *session) handleMetricsRequest(metricType string) {
	if metricType == "" {
		s.sendError("invalid_request", "metric_type is required", 0)
		return
	}

	decision := s.limiter.Admit(context.Background(), s.conn.Principal.SubjectID, ratelimit.ClassRealtime)
	if !decision.Allowed {
		s.sendError("rate_limited", "metrics request budget exhausted", decision.RetryAfterSeconds())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	snapshot, err := s.metricsSource.Snapshot(ctx, s.conn.WorkspaceID, metricType)
	if errors.Is(err, redis.ErrNoSnapshot) {
		s.sendError("no_snapshot", fmt.Sprintf("no snapshot for metric %q", metricType), 0)
		return
	}
	if err != nil {
		s.logger.Warn("Metric snapshot lookup failed", "metric_type", metricType, "error", err)
		s.sendError("lookup_failed", "metric snapshot temporarily unavailable", 0)
		return
	}

	s.enqueueDirect(event.TypeMetricsUpdate, snapshot)
}

// sendConnected confirms the handshake with the assigned connection id.
func (s *session) sendConnected() {
	payload, _ := json.Marshal(connectedPayload{
		ConnectionID: s.conn.ID.String(),
		WorkspaceID:  s.conn.WorkspaceID,
	})
	s.enqueueDirect(event.TypeConnected, payload)
}

func (s *session) sendError(code, message string, retryAfter int) {
	payload, _ := json.Marshal(errorPayload{
		Code:       code,
		Message:    message,
		RetryAfter: retryAfter,
	})
	s.enqueueDirect(event.TypeError, payload)
}

// enqueueDirect sends a protocol frame to this connection only. Direct
// frames bypass the subscription filter (they are responses, not broadcast
// events) and ride at high priority so a full queue cannot evict them.
func (s *session) enqueueDirect(t event.Type, payload json.RawMessage) {
	env := event.NewEnvelope(s.conn.WorkspaceID, t, payload, event.PriorityHigh, s.conn.clock.Now())
	if dropped := s.conn.Enqueue(env); dropped {
		metrics.QueueOverflowDrops.Inc()
	}
}

// writeLoop is the connection's single writer: it drains the outbound queue
// and emits WebSocket pings every heartbeat interval.
func (s *session) writeLoop() {
	defer s.writerDone.Done()

	ticker := s.conn.clock.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		if !s.flushQueue() {
			return
		}
		select {
		case <-s.conn.queue.Wakeup():
		case <-ticker.Chan():
			_ = s.conn.ws.SetWriteDeadline(s.conn.clock.Now().Add(writeDeadline))
			if err := s.conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.stopWriter:
			s.flushQueue()
			return
		}
	}
}

// flushQueue writes every queued envelope. Returns false on a write failure.
func (s *session) flushQueue() bool {
	for {
		env, ok := s.conn.queue.Pop()
		if !ok {
			return true
		}
		frame, err := env.Frame()
		if err != nil {
			s.logger.Error("Failed to serialize envelope", "event_type", string(env.Type), "error", err)
			continue
		}

		start := s.conn.clock.Now()
		_ = s.conn.ws.SetWriteDeadline(s.conn.clock.Now().Add(writeDeadline))
		if err := s.conn.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
			return false
		}
		metrics.MessageSendDuration.Observe(s.conn.clock.Since(start).Seconds())
	}
}

// teardown drains and closes the connection. Safe to call once per session;
// the state transitions make the individual steps idempotent.
func (s *session) teardown() {
	if s.conn.transition(StateConnecting, StateClosed) {
		s.finish()
		return
	}

	if s.conn.transition(StateOpen, StateDraining) {
		s.conn.queue.Close()
		close(s.stopWriter)

		// Give the writer a bounded grace period to flush what is queued.
		flushed := make(chan struct{})
		go func() {
			s.writerDone.Wait()
			close(flushed)
		}()
		select {
		case <-flushed:
			// Writer has exited, the close frame cannot race another write.
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.ws.SetWriteDeadline(time.Now().Add(writeDeadline))
			_ = s.conn.ws.WriteMessage(websocket.CloseMessage, closeMsg)
		case <-time.After(s.drainGrace):
			s.logger.Warn("Drain grace period expired with frames still queued",
				"queued", s.conn.QueueLen())
		}
	}

	s.conn.state.Store(int32(StateClosed))
	s.finish()
}

func (s *session) finish() {
	s.conn.closeOnce.Do(func() {
		_ = s.conn.ws.Close()
		s.registry.Deregister(s.conn.ID)
		metrics.ConnectionDuration.Observe(s.conn.Age().Seconds())
		close(s.conn.done)
		s.logger.Info("Connection closed", "duration", s.conn.Age())
	})
}
