package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/evohq/sourcing-go/core/es"
	"github.com/evohq/sourcing-go/core/metrics"
)

// coreMetrics implements es.CoreMetrics using Prometheus.
type coreMetrics struct {
	// Store metrics
	storeAppendDuration *prometheus.HistogramVec
	storeQueryDuration  *prometheus.HistogramVec
	eventsStored        *prometheus.CounterVec
	storeRetries        *prometheus.CounterVec

	// Event cache metrics
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	cacheErrors   *prometheus.CounterVec
	cacheDegraded prometheus.Gauge
	cachePruned   prometheus.Counter

	// Snapshot metrics
	snapshotSaveDuration *prometheus.HistogramVec
	snapshotLoadDuration *prometheus.HistogramVec
	snapshotsCreated     *prometheus.CounterVec
	snapshotsSkipped     *prometheus.CounterVec
	snapshotsDeleted     prometheus.Counter
	snapshotsCorrupt     *prometheus.CounterVec

	// Replay metrics
	replayDuration        *prometheus.HistogramVec
	replayEventsProcessed *prometheus.CounterVec
	replayEventsFailed    *prometheus.CounterVec
	replaySnapshotsUsed   *prometheus.CounterVec

	// Projection metrics
	projectionDuration        *prometheus.HistogramVec
	projectionEventsProcessed *prometheus.CounterVec
	projectionEventsFailed    *prometheus.CounterVec
}

// NewCoreMetrics creates a new Prometheus implementation of CoreMetrics.
func NewCoreMetrics(reg prometheus.Registerer) es.CoreMetrics {
	m := &coreMetrics{
		storeAppendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evo_es_store_append_duration_seconds",
			Help:    "Event store append latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		storeQueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evo_es_store_query_duration_seconds",
			Help:    "Event store query latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evo_es_events_stored_total",
			Help: "Total number of events stored",
		}, []string{"aggregate_type"}),

		storeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evo_es_store_retries_total",
			Help: "Total number of store append retries",
		}, []string{"aggregate_type"}),

		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evo_es_cache_hits_total",
			Help: "Total number of event cache hits",
		}, []string{"kind"}),

		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evo_es_cache_misses_total",
			Help: "Total number of event cache misses",
		}, []string{"kind"}),

		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evo_es_cache_errors_total",
			Help: "Total number of cache backend errors",
		}, []string{"op"}),

		cacheDegraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "evo_es_cache_degraded",
			Help: "Whether the event cache is in degraded mode (0/1)",
		}),

		cachePruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evo_es_cache_pruned_total",
			Help: "Total number of expired cache entries pruned",
		}),

		snapshotSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evo_es_snapshot_save_duration_seconds",
			Help:    "Snapshot save latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		snapshotLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evo_es_snapshot_load_duration_seconds",
			Help:    "Snapshot load latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		snapshotsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evo_es_snapshots_created_total",
			Help: "Total number of snapshots created",
		}, []string{"aggregate_type"}),

		snapshotsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evo_es_snapshots_skipped_total",
			Help: "Total number of snapshot creations skipped by the interval gate",
		}, []string{"aggregate_type"}),

		snapshotsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "evo_es_snapshots_deleted_total",
			Help: "Total number of snapshots deleted by retention cleanup",
		}),

		snapshotsCorrupt: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evo_es_snapshots_corrupt_total",
			Help: "Total number of snapshots that failed checksum or decode",
		}, []string{"aggregate_type"}),

		replayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evo_es_replay_duration_seconds",
			Help:    "Replay latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		replayEventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evo_es_replay_events_processed_total",
			Help: "Total number of events folded during replays",
		}, []string{"aggregate_type"}),

		replayEventsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evo_es_replay_events_failed_total",
			Help: "Total number of event applications that failed during replays",
		}, []string{"aggregate_type"}),

		replaySnapshotsUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evo_es_replay_snapshots_used_total",
			Help: "Total number of replays seeded from a snapshot",
		}, []string{"aggregate_type"}),

		projectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evo_es_projection_duration_seconds",
			Help:    "Projection build latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"projection_type"}),

		projectionEventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evo_es_projection_events_processed_total",
			Help: "Total number of events folded during projection builds",
		}, []string{"projection_type"}),

		projectionEventsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evo_es_projection_events_failed_total",
			Help: "Total number of event applications that failed during projection builds",
		}, []string{"projection_type"}),
	}

	reg.MustRegister(
		m.storeAppendDuration,
		m.storeQueryDuration,
		m.eventsStored,
		m.storeRetries,
		m.cacheHits,
		m.cacheMisses,
		m.cacheErrors,
		m.cacheDegraded,
		m.cachePruned,
		m.snapshotSaveDuration,
		m.snapshotLoadDuration,
		m.snapshotsCreated,
		m.snapshotsSkipped,
		m.snapshotsDeleted,
		m.snapshotsCorrupt,
		m.replayDuration,
		m.replayEventsProcessed,
		m.replayEventsFailed,
		m.replaySnapshotsUsed,
		m.projectionDuration,
		m.projectionEventsProcessed,
		m.projectionEventsFailed,
	)

	return m
}

func (m *coreMetrics) StoreAppendDuration(aggType string) metrics.Timer {
	return newTimer(m.storeAppendDuration.WithLabelValues(aggType))
}

func (m *coreMetrics) StoreQueryDuration(aggType string) metrics.Timer {
	return newTimer(m.storeQueryDuration.WithLabelValues(aggType))
}

func (m *coreMetrics) EventsStored(aggType string, count int) {
	m.eventsStored.WithLabelValues(aggType).Add(float64(count))
}

func (m *coreMetrics) StoreRetry(aggType string) {
	m.storeRetries.WithLabelValues(aggType).Inc()
}

func (m *coreMetrics) CacheHit(kind string) {
	m.cacheHits.WithLabelValues(kind).Inc()
}

func (m *coreMetrics) CacheMiss(kind string) {
	m.cacheMisses.WithLabelValues(kind).Inc()
}

func (m *coreMetrics) CacheError(op string) {
	m.cacheErrors.WithLabelValues(op).Inc()
}

func (m *coreMetrics) CacheDegraded(degraded bool) {
	if degraded {
		m.cacheDegraded.Set(1)
	} else {
		m.cacheDegraded.Set(0)
	}
}

func (m *coreMetrics) CachePruned(count int) {
	m.cachePruned.Add(float64(count))
}

func (m *coreMetrics) SnapshotSaveDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotSaveDuration.WithLabelValues(aggType))
}

func (m *coreMetrics) SnapshotLoadDuration(aggType string) metrics.Timer {
	return newTimer(m.snapshotLoadDuration.WithLabelValues(aggType))
}

func (m *coreMetrics) SnapshotCreated(aggType string) {
	m.snapshotsCreated.WithLabelValues(aggType).Inc()
}

func (m *coreMetrics) SnapshotSkipped(aggType string) {
	m.snapshotsSkipped.WithLabelValues(aggType).Inc()
}

func (m *coreMetrics) SnapshotDeleted(count int) {
	m.snapshotsDeleted.Add(float64(count))
}

func (m *coreMetrics) SnapshotCorrupt(aggType string) {
	m.snapshotsCorrupt.WithLabelValues(aggType).Inc()
}

func (m *coreMetrics) ReplayDuration(aggType string) metrics.Timer {
	return newTimer(m.replayDuration.WithLabelValues(aggType))
}

func (m *coreMetrics) ReplayEventsProcessed(aggType string, count int) {
	m.replayEventsProcessed.WithLabelValues(aggType).Add(float64(count))
}

func (m *coreMetrics) ReplayEventsFailed(aggType string, count int) {
	m.replayEventsFailed.WithLabelValues(aggType).Add(float64(count))
}

func (m *coreMetrics) ReplaySnapshotUsed(aggType string) {
	m.replaySnapshotsUsed.WithLabelValues(aggType).Inc()
}

func (m *coreMetrics) ProjectionDuration(projType string) metrics.Timer {
	return newTimer(m.projectionDuration.WithLabelValues(projType))
}

func (m *coreMetrics) ProjectionEventsProcessed(projType string, count int) {
	m.projectionEventsProcessed.WithLabelValues(projType).Add(float64(count))
}

func (m *coreMetrics) ProjectionEventsFailed(projType string, count int) {
	m.projectionEventsFailed.WithLabelValues(projType).Add(float64(count))
}

var _ es.CoreMetrics = (*coreMetrics)(nil)
