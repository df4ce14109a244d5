package snapshot

import (
	"errors"
	"log/slog"
	"time"

	"github.com/evohq/sourcing-go/core/es"
)

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

// Snapshot is a materialized aggregate state at a specific version.
// Never mutated after creation; deleted only by retention cleanup or an
// explicit Delete.
type Snapshot struct {
	SnapshotID    string     `json:"snapshot_id"`
	AggregateID   string     `json:"aggregate_id"`
	AggregateType string     `json:"aggregate_type"`
	// AggregateVersion is the last event version folded into this
	// snapshot. It never exceeds the highest persisted event version of
	// the aggregate.
	AggregateVersion es.Version `json:"aggregate_version"`

	// State is the serialized aggregate state. Inside the store it is
	// the pipeline-encoded payload; the manager returns it decoded.
	State []byte `json:"state"`
	// Encoding names the applied transforms, e.g. "json+gzip+aesgcm".
	Encoding string `json:"encoding"`
	// Checksum is the blake2b-256 hex digest of the decoded state,
	// verified on every read.
	Checksum string `json:"checksum"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (s *Snapshot) LogAttrs() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("id", s.SnapshotID),
		slog.String("aggregate_id", s.AggregateID),
		slog.String("aggregate_type", s.AggregateType),
		s.AggregateVersion.SlogAttrWithKey("aggregate_version"),
		slog.String("encoding", s.Encoding),
		slog.Int("size", len(s.State)),
	)
}

// Query filters stored snapshots. Zero-valued fields do not filter.
type Query struct {
	AggregateID   string
	AggregateType string
	FromVersion   es.Version
	ToVersion     es.Version
	CreatedBefore time.Time
	CreatedAfter  time.Time
	Limit         int
}

func (q Query) Matches(s *Snapshot) bool {
	if q.AggregateID != "" && s.AggregateID != q.AggregateID {
		return false
	}
	if q.AggregateType != "" && s.AggregateType != q.AggregateType {
		return false
	}
	if q.FromVersion > 0 && s.AggregateVersion < q.FromVersion {
		return false
	}
	if q.ToVersion > 0 && s.AggregateVersion > q.ToVersion {
		return false
	}
	if !q.CreatedBefore.IsZero() && !s.CreatedAt.Before(q.CreatedBefore) {
		return false
	}
	if !q.CreatedAfter.IsZero() && !s.CreatedAt.After(q.CreatedAfter) {
		return false
	}
	return true
}
