package es

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// EventStatus is the lifecycle tag of a stored event. It is the only
// mutable field of an event after creation.
type EventStatus string

const (
	StatusPending   EventStatus = "pending"
	StatusCompleted EventStatus = "completed"
	StatusFailed    EventStatus = "failed"
)

// Event is an immutable fact describing a state change of an aggregate.
// It is the unit of storage in the EventStore and carries everything
// needed to reconstruct state and route the event during replay,
// projection or consumption.
type Event struct {
	// EventID is the globally unique identifier of this event.
	EventID string `json:"event_id"`
	// AggregateID identifies the specific aggregate instance.
	AggregateID string `json:"aggregate_id"`
	// AggregateType identifies the type of aggregate this event belongs to.
	AggregateType string `json:"aggregate_type"`
	// EventType is the event type name for routing and decoding.
	EventType string `json:"event_type"`
	// Version is the per-aggregate stream version (1, 2, 3, ...).
	Version Version `json:"version"`
	// Status is the lifecycle tag (pending/completed/failed).
	Status EventStatus `json:"status"`
	// Data contains the JSON-encoded event payload.
	Data json.RawMessage `json:"data"`
	// Metadata carries optional, schema-free annotations.
	Metadata map[string]any `json:"metadata,omitempty"`

	// Provenance.
	UserID    string `json:"user_id,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	RequestID string `json:"request_id,omitempty"`

	// Timestamp is when the fact occurred in the domain.
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (e Event) Validate() error {
	if e.AggregateID == "" {
		return fmt.Errorf("%w: aggregate id is empty", ErrValidation)
	}
	if e.AggregateType == "" {
		return fmt.Errorf("%w: aggregate type is empty", ErrValidation)
	}
	if e.EventType == "" {
		return fmt.Errorf("%w: event type is empty", ErrValidation)
	}
	if e.Version < 1 {
		return fmt.Errorf("%w: version must be >= 1", ErrValidation)
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: data is empty", ErrValidation)
	}
	return nil
}

// StreamKey returns the identity of the stream this event belongs to.
func (e Event) StreamKey() string {
	return StreamKey(e.AggregateType, e.AggregateID)
}

// StreamKey builds the canonical stream identity for an aggregate.
func StreamKey(aggType, aggID string) string {
	return fmt.Sprintf("%s-%s", aggType, aggID)
}

func (e Event) LogAttrs() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.EventID),
		slog.String("type", e.EventType),
		slog.String("aggregate_id", e.AggregateID),
		slog.String("aggregate_type", e.AggregateType),
		e.Version.SlogAttr(),
		slog.String("status", string(e.Status)),
		slog.Time("timestamp", e.Timestamp),
	)
}
