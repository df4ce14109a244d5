package es

import "github.com/evohq/sourcing-go/core/metrics"

// CoreMetrics defines the metrics surface of the event-sourcing core.
// All methods return Timer or increment counters; implementations must
// be thread-safe.
type CoreMetrics interface {
	// Store operations
	StoreAppendDuration(aggType string) metrics.Timer
	StoreQueryDuration(aggType string) metrics.Timer
	EventsStored(aggType string, count int)
	StoreRetry(aggType string)

	// Event cache
	CacheHit(kind string)
	CacheMiss(kind string)
	CacheError(op string)
	CacheDegraded(degraded bool)
	CachePruned(count int)

	// Snapshots
	SnapshotSaveDuration(aggType string) metrics.Timer
	SnapshotLoadDuration(aggType string) metrics.Timer
	SnapshotCreated(aggType string)
	SnapshotSkipped(aggType string)
	SnapshotDeleted(count int)
	SnapshotCorrupt(aggType string)

	// Replay
	ReplayDuration(aggType string) metrics.Timer
	ReplayEventsProcessed(aggType string, count int)
	ReplayEventsFailed(aggType string, count int)
	ReplaySnapshotUsed(aggType string)

	// Projections
	ProjectionDuration(projType string) metrics.Timer
	ProjectionEventsProcessed(projType string, count int)
	ProjectionEventsFailed(projType string, count int)
}

// nopCoreMetrics is a no-op implementation of CoreMetrics.
type nopCoreMetrics struct{}

func (nopCoreMetrics) StoreAppendDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopCoreMetrics) StoreQueryDuration(string) metrics.Timer  { return metrics.NopTimer() }
func (nopCoreMetrics) EventsStored(string, int)                 {}
func (nopCoreMetrics) StoreRetry(string)                        {}

func (nopCoreMetrics) CacheHit(string)    {}
func (nopCoreMetrics) CacheMiss(string)   {}
func (nopCoreMetrics) CacheError(string)  {}
func (nopCoreMetrics) CacheDegraded(bool) {}
func (nopCoreMetrics) CachePruned(int)    {}

func (nopCoreMetrics) SnapshotSaveDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopCoreMetrics) SnapshotLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopCoreMetrics) SnapshotCreated(string)                    {}
func (nopCoreMetrics) SnapshotSkipped(string)                    {}
func (nopCoreMetrics) SnapshotDeleted(int)                       {}
func (nopCoreMetrics) SnapshotCorrupt(string)                    {}

func (nopCoreMetrics) ReplayDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopCoreMetrics) ReplayEventsProcessed(string, int)   {}
func (nopCoreMetrics) ReplayEventsFailed(string, int)      {}
func (nopCoreMetrics) ReplaySnapshotUsed(string)           {}

func (nopCoreMetrics) ProjectionDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopCoreMetrics) ProjectionEventsProcessed(string, int)   {}
func (nopCoreMetrics) ProjectionEventsFailed(string, int)      {}

// NopCoreMetrics returns a no-op CoreMetrics.
func NopCoreMetrics() CoreMetrics { return nopCoreMetrics{} }
