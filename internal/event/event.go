// Package event defines the envelope type that flows from producers through
// the broadcaster to subscribed connections, locally and across processes.
package event

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Type identifies the kind of event carried by an envelope.
//
// The set of known types is closed; anything else parses to TypeUnknown.
// Payloads stay opaque, so producers can ship new payload schemas under an
// existing type without consumer changes.
type Type string

const (
	TypeExecutionStarted   Type = "execution_started"
	TypeExecutionCompleted Type = "execution_completed"
	TypeMetricsUpdate      Type = "metrics_update"
	TypeAlert              Type = "alert"
	TypeConnected          Type = "connected"
	TypeError              Type = "error"
	TypePong               Type = "pong"
	TypeUnknown            Type = "unknown"
)

var knownTypes = map[Type]struct{}{
	TypeExecutionStarted:   {},
	TypeExecutionCompleted: {},
	TypeMetricsUpdate:      {},
	TypeAlert:              {},
	TypeConnected:          {},
	TypeError:              {},
	TypePong:               {},
}

// ParseType maps a raw event-type string to a known Type, or TypeUnknown.
func ParseType(s string) Type {
	t := Type(s)
	if _, ok := knownTypes[t]; ok {
		return t
	}
	return TypeUnknown
}

// Known reports whether t is part of the closed type enumeration.
func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Priority controls eviction order in a full outbound queue: normal-priority
// envelopes are dropped before high-priority ones.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// MarshalJSON encodes the priority as its string name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON decodes "high"/"normal"; anything else is normal.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to unmarshal priority: %w", err)
	}
	if s == "high" {
		*p = PriorityHigh
	} else {
		*p = PriorityNormal
	}
	return nil
}

// Envelope is one published event instance. It is immutable once built and
// fans out to zero or more connections; undelivered envelopes are dropped.
type Envelope struct {
	Type        Type            `json:"event"`
	WorkspaceID string          `json:"workspace_id"`
	Payload     json.RawMessage `json:"data,omitempty"`
	EmittedAt   time.Time       `json:"timestamp"`
	Priority    Priority        `json:"priority"`

	frameOnce sync.Once
	frame     []byte
	frameErr  error
}

// NewEnvelope builds an envelope stamped with the given emission time.
func NewEnvelope(workspaceID string, t Type, payload json.RawMessage, priority Priority, emittedAt time.Time) *Envelope {
	return &Envelope{
		Type:        t,
		WorkspaceID: workspaceID,
		Payload:     payload,
		EmittedAt:   emittedAt,
		Priority:    priority,
	}
}

// frameMessage is the client-facing wire shape: the workspace is implied by
// the connection, and priority is only surfaced for high-priority events.
type frameMessage struct {
	Event     Type            `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Priority  string          `json:"priority,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Frame returns the serialized client-facing message for this envelope.
// The result is computed once and shared across the whole fan-out.
func (e *Envelope) Frame() ([]byte, error) {
	e.frameOnce.Do(func() {
		msg := frameMessage{
			Event:     e.Type,
			Data:      e.Payload,
			Timestamp: e.EmittedAt,
		}
		if e.Priority == PriorityHigh {
			msg.Priority = e.Priority.String()
		}
		e.frame, e.frameErr = json.Marshal(msg)
	})
	return e.frame, e.frameErr
}
