package snapshot

import (
	"fmt"
	"time"

	"github.com/evohq/sourcing-go/core/es"
)

// RetentionKind selects which snapshots survive a cleanup pass.
type RetentionKind string

const (
	// KeepAll never deletes.
	KeepAll RetentionKind = "keep_all"
	// KeepLatest keeps only the highest-version snapshot per aggregate.
	KeepLatest RetentionKind = "keep_latest"
	// KeepByCount keeps the N most recent snapshots per aggregate.
	KeepByCount RetentionKind = "keep_by_count"
	// KeepByAge deletes snapshots older than MaxAge regardless of
	// aggregate.
	KeepByAge RetentionKind = "keep_by_age"
)

// RetentionPolicy is the rule applied by Cleanup.
type RetentionPolicy struct {
	Kind RetentionKind
	// Count applies to KeepByCount.
	Count int
	// MaxAge applies to KeepByAge.
	MaxAge time.Duration
}

func (p RetentionPolicy) Validate() error {
	switch p.Kind {
	case KeepAll, KeepLatest:
		return nil
	case KeepByCount:
		if p.Count < 1 {
			return fmt.Errorf("%w: keep_by_count requires count >= 1", es.ErrValidation)
		}
		return nil
	case KeepByAge:
		if p.MaxAge <= 0 {
			return fmt.Errorf("%w: keep_by_age requires a positive max age", es.ErrValidation)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown retention kind %q", es.ErrValidation, p.Kind)
	}
}

// victims returns the snapshots the policy deletes from one pass over
// all stored snapshots. snapshots arrive version-descending per the
// Store.Query contract.
func (p RetentionPolicy) victims(snapshots []*Snapshot, now time.Time) []*Snapshot {
	switch p.Kind {
	case KeepAll:
		return nil

	case KeepLatest:
		return perStreamVictims(snapshots, 1)

	case KeepByCount:
		return perStreamVictims(snapshots, p.Count)

	case KeepByAge:
		cutoff := now.Add(-p.MaxAge)
		var out []*Snapshot
		for _, s := range snapshots {
			if s.CreatedAt.Before(cutoff) {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// perStreamVictims keeps the `keep` highest-version snapshots per
// (aggregateType, aggregateID) and returns the rest.
func perStreamVictims(snapshots []*Snapshot, keep int) []*Snapshot {
	byStream := map[string][]*Snapshot{}
	for _, s := range snapshots {
		key := es.StreamKey(s.AggregateType, s.AggregateID)
		byStream[key] = append(byStream[key], s)
	}

	var out []*Snapshot
	for _, group := range byStream {
		// group is version-descending
		if len(group) > keep {
			out = append(out, group[keep:]...)
		}
	}
	return out
}
