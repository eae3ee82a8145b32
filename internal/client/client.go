// Package client implements the consuming side of the event gateway: a
// WebSocket client that keeps a subscription alive across disconnects with
// exponential backoff and automatic resubscription.
package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
	defaultPingInterval   = 25 * time.Second
	// stableAfter is how long a connection must live before the next
	// disconnect restarts backoff from the initial delay.
	stableAfter = 30 * time.Second

	eventBufferSize = 64
)

// Config configures a gateway client.
type Config struct {
	// URL is the full upgrade URL including the workspace query parameter,
	// e.g. "wss://gateway.example.com/ws/events?workspace=ws-1".
	URL   string
	Token string

	// EventTypes is the initial subscription, re-sent on every (re)connect.
	EventTypes []string

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PingInterval   time.Duration
}

// Event is one frame received from the gateway.
type Event struct {
	Type      string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Priority  string          `json:"priority"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client maintains one logical subscription to the gateway. Events arrive on
// Events(); the connection is rebuilt transparently after failures.
type Client struct {
	cfg    Config
	clock  clockwork.Clock
	events chan Event

	mu   sync.Mutex
	subs map[string]struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a client. Call Start to begin connecting.
func New(cfg Config) *Client {
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	subs := make(map[string]struct{}, len(cfg.EventTypes))
	for _, t := range cfg.EventTypes {
		subs[t] = struct{}{}
	}

	return &Client{
		cfg:    cfg,
		clock:  clockwork.NewRealClock(),
		events: make(chan Event, eventBufferSize),
		subs:   subs,
		done:   make(chan struct{}),
	}
}

// Events returns the stream of received frames. Frames are dropped when the
// consumer falls more than the buffer size behind.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Start runs the connect/read/reconnect loop until ctx is cancelled or Close
// is called.
func (c *Client) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	go func() {
		defer close(c.done)
		c.run(ctx)
	}()
}

// Close stops the client and waits for the loop to exit.
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
}

func (c *Client) run(ctx context.Context) {
	backoff := c.cfg.InitialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		ws, err := c.dial(ctx)
		if err != nil {
			slog.Warn("Gateway connection failed, backing off",
				"backoff", backoff, "error", err)
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, c.cfg.MaxBackoff)
			continue
		}

		connectedAt := c.clock.Now()
		c.serve(ctx, ws)
		_ = ws.Close()

		if ctx.Err() != nil {
			return
		}
		// A connection that survived for a while resets the backoff; rapid
		// failures keep growing it.
		if c.clock.Since(connectedAt) >= stableAfter {
			backoff = c.cfg.InitialBackoff
		} else {
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, c.cfg.MaxBackoff)
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return ws, err
}

// serve drives one live connection: it re-sends the subscription, keeps the
// connection alive with pings, and forwards frames until the socket fails.
func (c *Client) serve(ctx context.Context, ws *websocket.Conn) {
	if err := c.sendSubscribe(ws); err != nil {
		slog.Warn("Failed to send subscription", "error", err)
		return
	}

	stopPings := make(chan struct{})
	defer close(stopPings)
	go c.pingLoop(ws, stopPings)

	// Unblock the read loop when the context ends.
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-stopPings:
		}
	}()

	for {
		var ev Event
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Info("Gateway connection lost", "error", err)
			}
			return
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("Discarding malformed frame", "error", err)
			continue
		}

		select {
		case c.events <- ev:
		default:
			slog.Warn("Event buffer full, dropping frame", "event_type", ev.Type)
		}
	}
}

func (c *Client) sendSubscribe(ws *websocket.Conn) error {
	c.mu.Lock()
	types := make([]string, 0, len(c.subs))
	for t := range c.subs {
		types = append(types, t)
	}
	c.mu.Unlock()

	if len(types) == 0 {
		return nil
	}
	msg := map[string]any{"type": "subscribe", "event_types": types}
	_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return ws.WriteJSON(msg)
}

func (c *Client) pingLoop(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := c.clock.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.Chan():
			_ = ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-c.clock.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
