package replay

import (
	"fmt"
	"time"

	"github.com/evohq/sourcing-go/core/es"
)

// ErrorStrategy selects how a per-event apply failure is handled.
type ErrorStrategy string

const (
	// StrategySkip records the failure and continues (default).
	StrategySkip ErrorStrategy = "skip"
	// StrategyStop aborts the whole replay on the first failure.
	StrategyStop ErrorStrategy = "stop"
	// StrategyRetry re-applies the event with increasing delay before
	// recording the failure and continuing.
	StrategyRetry ErrorStrategy = "retry"
)

// Status is the lifecycle state of a replay run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Request describes one replay invocation.
type Request struct {
	AggregateID   string
	AggregateType string

	// FromVersion/ToVersion bound the replayed range; zero means
	// unbounded on that side.
	FromVersion es.Version
	ToVersion   es.Version

	// FromTime/ToTime bound by event timestamp.
	FromTime time.Time
	ToTime   time.Time

	// Strategy defaults to StrategySkip.
	Strategy ErrorStrategy

	// ValidateEachStep runs the builder's ValidateState after every
	// applied event; a failed validation is handled per Strategy.
	ValidateEachStep bool

	// DisableSnapshot forces the replay to start from the initial
	// state even when the snapshot optimization would apply.
	DisableSnapshot bool

	// OnProgress, when set, is invoked at the configured cadence.
	OnProgress func(Progress)

	// Timeout caps the whole replay; zero applies the engine default.
	Timeout time.Duration
}

func (r Request) validate() error {
	if r.AggregateID == "" || r.AggregateType == "" {
		return fmt.Errorf("%w: aggregate id and type are required", es.ErrValidation)
	}
	if r.FromVersion > 0 && r.ToVersion > 0 && r.FromVersion > r.ToVersion {
		return fmt.Errorf("%w: from version exceeds to version", es.ErrValidation)
	}
	if !r.FromTime.IsZero() && !r.ToTime.IsZero() && r.FromTime.After(r.ToTime) {
		return fmt.Errorf("%w: from time exceeds to time", es.ErrValidation)
	}
	switch r.Strategy {
	case "", StrategySkip, StrategyStop, StrategyRetry:
	default:
		return fmt.Errorf("%w: unknown error strategy %q", es.ErrValidation, r.Strategy)
	}
	return nil
}

// EventError records one failed event application.
type EventError struct {
	EventID  string     `json:"event_id"`
	Version  es.Version `json:"version"`
	Attempts int        `json:"attempts"`
	Error    string     `json:"error"`
}

// Progress is a point-in-time view of a running replay.
type Progress struct {
	ReplayID        string     `json:"replay_id"`
	EventsTotal     int        `json:"events_total"`
	EventsDone      int        `json:"events_done"`
	Percent         float64    `json:"percent"`
	EventsPerSecond float64    `json:"events_per_second"`
	EstimatedEnd    *time.Time `json:"estimated_end,omitempty"`
}

// Result describes a finished (or in-flight, via Status) replay.
type Result struct {
	ReplayID      string `json:"replay_id"`
	AggregateID   string `json:"aggregate_id"`
	AggregateType string `json:"aggregate_type"`
	Status        Status `json:"status"`

	// State is the serialized final aggregate state; nil unless the
	// replay completed.
	State []byte `json:"state,omitempty"`

	// FromVersion/ToVersion is the version range actually covered.
	FromVersion es.Version `json:"from_version"`
	ToVersion   es.Version `json:"to_version"`

	EventsProcessed int `json:"events_processed"`
	EventsFailed    int `json:"events_failed"`
	EventsSkipped   int `json:"events_skipped"`

	SnapshotUsed    bool       `json:"snapshot_used"`
	SnapshotVersion es.Version `json:"snapshot_version,omitempty"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`

	Errors []EventError `json:"errors,omitempty"`
}

// Stats aggregates engine-level counters across runs.
type Stats struct {
	Replays         int64 `json:"replays"`
	Completed       int64 `json:"completed"`
	Failed          int64 `json:"failed"`
	Cancelled       int64 `json:"cancelled"`
	EventsProcessed int64 `json:"events_processed"`
	EventsFailed    int64 `json:"events_failed"`
	SnapshotsUsed   int64 `json:"snapshots_used"`
}
