package es

import (
	"context"
	"time"
)

// OrderBy selects the sort key of a query result.
type OrderBy string

const (
	OrderByVersion   OrderBy = "version"
	OrderByTimestamp OrderBy = "timestamp"
)

// EventQuery filters the event log. Zero-valued fields do not filter.
type EventQuery struct {
	EventID       string
	AggregateID   string
	AggregateType string
	EventType     string
	Status        EventStatus

	// FromVersion/ToVersion bound the inclusive version range.
	FromVersion Version
	ToVersion   Version

	// FromTime/ToTime bound the inclusive timestamp range.
	FromTime time.Time
	ToTime   time.Time

	// OrderBy defaults to OrderByVersion ascending.
	OrderBy OrderBy
	Desc    bool

	// Limit caps the number of returned events; 0 means no cap.
	Limit int
}

func (q EventQuery) Validate() error {
	if q.FromVersion > 0 && q.ToVersion > 0 && q.FromVersion > q.ToVersion {
		return ErrValidation
	}
	if !q.FromTime.IsZero() && !q.ToTime.IsZero() && q.FromTime.After(q.ToTime) {
		return ErrValidation
	}
	return nil
}

// Matches reports whether the event satisfies every set filter field.
func (q EventQuery) Matches(e Event) bool {
	if q.EventID != "" && e.EventID != q.EventID {
		return false
	}
	if q.AggregateID != "" && e.AggregateID != q.AggregateID {
		return false
	}
	if q.AggregateType != "" && e.AggregateType != q.AggregateType {
		return false
	}
	if q.EventType != "" && e.EventType != q.EventType {
		return false
	}
	if q.Status != "" && e.Status != q.Status {
		return false
	}
	if q.FromVersion > 0 && e.Version < q.FromVersion {
		return false
	}
	if q.ToVersion > 0 && e.Version > q.ToVersion {
		return false
	}
	if !q.FromTime.IsZero() && e.Timestamp.Before(q.FromTime) {
		return false
	}
	if !q.ToTime.IsZero() && e.Timestamp.After(q.ToTime) {
		return false
	}
	return true
}

// EventStore is the authoritative, append-only event log. The core never
// mutates stored events; only the lifecycle Status of an event may be
// updated out of band by the owning application.
type EventStore interface {
	// Append persists the event. The event version must be exactly one
	// greater than the current highest version of its stream, otherwise
	// ErrConcurrencyConflict is returned.
	Append(ctx context.Context, event Event) error

	// Query returns events matching q. Results are sorted by q.OrderBy
	// (version ascending when unset).
	Query(ctx context.Context, q EventQuery) ([]Event, error)

	// Health reports the connectivity state of the store.
	Health(ctx context.Context) Health
}
