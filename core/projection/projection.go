package projection

import (
	"fmt"
	"time"

	"github.com/evohq/sourcing-go/core/es"
	"github.com/evohq/sourcing-go/core/replay"
)

// Request describes one projection build.
type Request struct {
	ProjectionType string
	ProjectionName string

	// AggregateID narrows the fold to one aggregate's events; empty
	// folds every event the handler's filters accept.
	AggregateID string

	// FromVersion/ToVersion and FromTime/ToTime bound the folded range.
	FromVersion es.Version
	ToVersion   es.Version
	FromTime    time.Time
	ToTime      time.Time

	// Strategy defaults to replay.StrategySkip.
	Strategy replay.ErrorStrategy

	// ValidateEachStep runs ValidateProjection after every folded
	// event; a failed validation is handled per Strategy.
	ValidateEachStep bool

	// OnProgress, when set, is invoked at the configured cadence. The
	// progress ReplayID field carries the projection id.
	OnProgress func(replay.Progress)

	// Timeout caps the whole build; zero applies the engine default.
	Timeout time.Duration
}

func (r Request) validate() error {
	if r.ProjectionType == "" || r.ProjectionName == "" {
		return fmt.Errorf("%w: projection type and name are required", es.ErrValidation)
	}
	if r.FromVersion > 0 && r.ToVersion > 0 && r.FromVersion > r.ToVersion {
		return fmt.Errorf("%w: from version exceeds to version", es.ErrValidation)
	}
	if !r.FromTime.IsZero() && !r.ToTime.IsZero() && r.FromTime.After(r.ToTime) {
		return fmt.Errorf("%w: from time exceeds to time", es.ErrValidation)
	}
	switch r.Strategy {
	case "", replay.StrategySkip, replay.StrategyStop, replay.StrategyRetry:
	default:
		return fmt.Errorf("%w: unknown error strategy %q", es.ErrValidation, r.Strategy)
	}
	return nil
}

// Result describes a finished (or in-flight, via Status) projection
// build.
type Result struct {
	ProjectionID   string        `json:"projection_id"`
	ProjectionType string        `json:"projection_type"`
	ProjectionName string        `json:"projection_name"`
	Status         replay.Status `json:"status"`

	// State is the serialized read model; nil unless the build
	// completed.
	State []byte `json:"state,omitempty"`

	EventsProcessed int `json:"events_processed"`
	EventsFailed    int `json:"events_failed"`
	EventsSkipped   int `json:"events_skipped"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`

	Errors []replay.EventError `json:"errors,omitempty"`
}

// Stats aggregates engine-level counters across builds.
type Stats struct {
	Projections     int64 `json:"projections"`
	Completed       int64 `json:"completed"`
	Failed          int64 `json:"failed"`
	Cancelled       int64 `json:"cancelled"`
	EventsProcessed int64 `json:"events_processed"`
	EventsFailed    int64 `json:"events_failed"`
	CacheHits       int64 `json:"cache_hits"`
	CacheMisses     int64 `json:"cache_misses"`
}
