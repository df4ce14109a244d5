package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/evohq/sourcing-go/core/es"
	"github.com/evohq/sourcing-go/core/perkey"
)

type Config struct {
	Log      *slog.Logger
	Store    Store
	Notifier es.Notifier
	Metrics  es.CoreMetrics

	// Enabled gates the whole component. When false every operation
	// returns es.ErrFeatureDisabled.
	Enabled bool

	// Interval is the minimum version delta since the last known
	// snapshot before a new one is created (default: 100).
	Interval es.Version

	// MaxSizeBytes rejects serialized states over this ceiling before
	// any I/O (default: 1 MiB).
	MaxSizeBytes int

	// Retention is applied by Cleanup (default: keep_latest).
	Retention RetentionPolicy

	// CleanupSchedule is a cron expression for the periodic cleanup
	// (default: "0 * * * *", hourly).
	CleanupSchedule string

	// Transforms is the encode pipeline applied to serialized state,
	// in order (e.g. gzip then AES-GCM). Decoding runs in reverse.
	Transforms []Transform
}

func (c *Config) setDefaults() {
	if c.Log == nil {
		c.Log = slog.Default()
	}
	if c.Notifier == nil {
		c.Notifier = es.NopNotifier{}
	}
	if c.Metrics == nil {
		c.Metrics = es.NopCoreMetrics()
	}
	if c.Interval == 0 {
		c.Interval = 100
	}
	if c.MaxSizeBytes == 0 {
		c.MaxSizeBytes = 1 << 20
	}
	if c.Retention.Kind == "" {
		c.Retention = RetentionPolicy{Kind: KeepLatest}
	}
	if c.CleanupSchedule == "" {
		c.CleanupSchedule = "0 * * * *"
	}
}

// CreateResult reports the outcome of a Create call.
type CreateResult struct {
	// Created is false for an idempotent no-op (interval not reached).
	Created  bool
	Snapshot *Snapshot
	Reason   string
}

// CleanupResult reports one cleanup pass.
type CleanupResult struct {
	Examined int
	Deleted  int
}

// Manager owns snapshot records and their retention.
type Manager struct {
	cfg      Config
	log      *slog.Logger
	store    Store
	pipeline *Pipeline
	sched    *perkey.Scheduler[string]

	mu          sync.Mutex
	lastVersion map[string]es.Version

	stats *managerStats
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil && cfg.Enabled {
		return nil, errors.New("store is required")
	}
	cfg.setDefaults()
	if err := cfg.Retention.Validate(); err != nil {
		return nil, err
	}

	return &Manager{
		cfg:         cfg,
		log:         cfg.Log.With(slog.String("component", "snapshotmanager")),
		store:       cfg.Store,
		pipeline:    NewPipeline(cfg.Transforms...),
		sched:       perkey.New[string](),
		lastVersion: map[string]es.Version{},
		stats:       &managerStats{},
	}, nil
}

// Close stops the per-aggregate scheduler. Pending creations finish.
func (m *Manager) Close() { m.sched.Close() }

// Create captures the aggregate state at version, gated by the
// configured interval. Calls below the interval are no-op successes.
func (m *Manager) Create(
	ctx context.Context,
	aggID, aggType string,
	state any,
	version es.Version,
	metadata map[string]any,
) (*CreateResult, error) {
	if !m.cfg.Enabled {
		return nil, es.ErrFeatureDisabled
	}
	if aggID == "" || aggType == "" {
		return nil, fmt.Errorf("%w: aggregate id and type are required", es.ErrValidation)
	}
	if version < 1 {
		return nil, fmt.Errorf("%w: version must be >= 1", es.ErrValidation)
	}

	raw, err := serializeState(state)
	if err != nil {
		return nil, err
	}
	if len(raw) > m.cfg.MaxSizeBytes {
		return nil, fmt.Errorf(
			"%w: snapshot state is %d bytes, ceiling is %d",
			es.ErrSizeLimitExceeded, len(raw), m.cfg.MaxSizeBytes,
		)
	}

	var result *CreateResult
	key := es.StreamKey(aggType, aggID)
	err = m.sched.DoContext(ctx, key, func() error {
		last, err := m.lastKnownVersion(ctx, aggType, aggID)
		if err != nil {
			return err
		}
		if version < last+m.cfg.Interval {
			m.stats.inc(func(s *Stats) { s.Skipped++ })
			m.cfg.Metrics.SnapshotSkipped(aggType)
			result = &CreateResult{
				Created: false,
				Reason:  fmt.Sprintf("version %d within interval %d of last snapshot at %d", version, m.cfg.Interval, last),
			}
			return nil
		}

		snap, err := m.persist(ctx, aggID, aggType, raw, version, metadata)
		if err != nil {
			return err
		}
		result = &CreateResult{Created: true, Snapshot: snap}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (m *Manager) persist(
	ctx context.Context,
	aggID, aggType string,
	raw []byte,
	version es.Version,
	metadata map[string]any,
) (*Snapshot, error) {
	defer m.cfg.Metrics.SnapshotSaveDuration(aggType).ObserveDuration()

	encoded, err := m.pipeline.Encode(raw)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	snap := &Snapshot{
		SnapshotID:       gonanoid.Must(),
		AggregateID:      aggID,
		AggregateType:    aggType,
		AggregateVersion: version,
		State:            encoded,
		Encoding:         m.pipeline.Encoding(),
		Checksum:         Checksum(raw),
		Metadata:         metadata,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.Save(ctx, snap); err != nil {
		m.stats.inc(func(s *Stats) { s.Failures++ })
		m.cfg.Notifier.Notify(ctx, es.NewNotification(es.SubjectSnapshotManager, "error", map[string]any{
			"aggregate_id":      aggID,
			"aggregate_type":    aggType,
			"aggregate_version": version.Uint64(),
			"error":             err.Error(),
		}))
		return nil, fmt.Errorf("%w: save snapshot: %w", es.ErrStorageFailure, err)
	}

	m.setLastVersion(aggType, aggID, version)
	m.stats.inc(func(s *Stats) { s.Created++ })
	m.cfg.Metrics.SnapshotCreated(aggType)
	m.log.Debug("snapshot created", snap.LogAttrs())
	m.cfg.Notifier.Notify(ctx, es.NewNotification(es.SubjectSnapshotManager, "created", map[string]any{
		"snapshot_id":       snap.SnapshotID,
		"aggregate_id":      aggID,
		"aggregate_type":    aggType,
		"aggregate_version": version.Uint64(),
	}))

	// return the decoded form to the caller
	out := *snap
	out.State = raw
	return &out, nil
}

// Get returns the snapshot with its state decoded. A corrupt snapshot
// is treated as absent.
func (m *Manager) Get(ctx context.Context, snapshotID string) (*Snapshot, error) {
	if !m.cfg.Enabled {
		return nil, es.ErrFeatureDisabled
	}

	snap, err := m.store.Get(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	decoded, err := m.decode(snap)
	if err != nil {
		return nil, ErrSnapshotNotFound
	}
	return decoded, nil
}

// Latest returns the newest readable snapshot of the aggregate. Corrupt
// snapshots are skipped in favor of the next-highest version.
func (m *Manager) Latest(ctx context.Context, aggID, aggType string) (*Snapshot, error) {
	if !m.cfg.Enabled {
		return nil, es.ErrFeatureDisabled
	}
	return m.latestAtOrBelow(ctx, aggID, aggType, 0)
}

// LatestAtOrBelow returns the newest readable snapshot whose version is
// <= maxVersion (0 means unbounded). Used by the replay engine to seed
// a bounded replay.
func (m *Manager) LatestAtOrBelow(ctx context.Context, aggID, aggType string, maxVersion es.Version) (*Snapshot, error) {
	if !m.cfg.Enabled {
		return nil, es.ErrFeatureDisabled
	}
	return m.latestAtOrBelow(ctx, aggID, aggType, maxVersion)
}

func (m *Manager) latestAtOrBelow(ctx context.Context, aggID, aggType string, maxVersion es.Version) (*Snapshot, error) {
	defer m.cfg.Metrics.SnapshotLoadDuration(aggType).ObserveDuration()

	candidates, err := m.store.Query(ctx, Query{
		AggregateID:   aggID,
		AggregateType: aggType,
		ToVersion:     maxVersion,
	})
	if err != nil {
		return nil, err
	}
	for _, snap := range candidates {
		decoded, err := m.decode(snap)
		if err != nil {
			continue
		}
		return decoded, nil
	}
	return nil, ErrSnapshotNotFound
}

// QuerySnapshots returns matching snapshots with decoded state; corrupt
// records are omitted.
func (m *Manager) QuerySnapshots(ctx context.Context, q Query) ([]*Snapshot, error) {
	if !m.cfg.Enabled {
		return nil, es.ErrFeatureDisabled
	}

	snaps, err := m.store.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, 0, len(snaps))
	for _, snap := range snaps {
		decoded, err := m.decode(snap)
		if err != nil {
			continue
		}
		out = append(out, decoded)
	}
	return out, nil
}

// Delete removes a snapshot by id. Deleting an unknown id is a failure,
// distinguishing "nothing to delete" from "delete succeeded".
func (m *Manager) Delete(ctx context.Context, snapshotID string) error {
	if !m.cfg.Enabled {
		return es.ErrFeatureDisabled
	}

	if err := m.store.Delete(ctx, snapshotID); err != nil {
		m.stats.inc(func(s *Stats) { s.Failures++ })
		return err
	}
	m.stats.inc(func(s *Stats) { s.Deleted++ })
	m.cfg.Metrics.SnapshotDeleted(1)
	m.cfg.Notifier.Notify(ctx, es.NewNotification(es.SubjectSnapshotManager, "deleted", map[string]any{
		"snapshot_id": snapshotID,
	}))
	return nil
}

// Cleanup applies the retention policy once. It is idempotent: a second
// run with no new snapshots deletes nothing further.
func (m *Manager) Cleanup(ctx context.Context) (*CleanupResult, error) {
	if !m.cfg.Enabled {
		return nil, es.ErrFeatureDisabled
	}

	all, err := m.store.Query(ctx, Query{})
	if err != nil {
		return nil, err
	}

	victims := m.cfg.Retention.victims(all, time.Now())
	deleted := 0
	for _, v := range victims {
		if err := m.store.Delete(ctx, v.SnapshotID); err != nil {
			if errors.Is(err, ErrSnapshotNotFound) {
				continue
			}
			return nil, err
		}
		deleted++
	}

	m.stats.inc(func(s *Stats) {
		s.Deleted += int64(deleted)
		s.CleanupRuns++
		now := time.Now()
		s.LastCleanupAt = &now
	})
	if deleted > 0 {
		m.cfg.Metrics.SnapshotDeleted(deleted)
	}
	m.log.Info(
		"snapshot cleanup",
		slog.String("policy", string(m.cfg.Retention.Kind)),
		slog.Int("examined", len(all)),
		slog.Int("deleted", deleted),
	)
	m.cfg.Notifier.Notify(ctx, es.NewNotification(es.SubjectSnapshotManager, "cleanup", map[string]any{
		"policy":   string(m.cfg.Retention.Kind),
		"examined": len(all),
		"deleted":  deleted,
	}))

	return &CleanupResult{Examined: len(all), Deleted: deleted}, nil
}

// Health reports the manager and its store.
func (m *Manager) Health(ctx context.Context) es.Health {
	if !m.cfg.Enabled {
		return es.Disabled()
	}

	h := m.store.Health(ctx)
	s := m.Stats()
	return h.
		WithDetail("created", s.Created).
		WithDetail("deleted", s.Deleted).
		WithDetail("failures", s.Failures).
		WithDetail("corrupt", s.Corrupt)
}

// === internals ===

func (m *Manager) decode(snap *Snapshot) (*Snapshot, error) {
	if snap.Encoding != m.pipeline.Encoding() {
		m.markCorrupt(snap, fmt.Errorf("encoding mismatch: have %q, want %q", snap.Encoding, m.pipeline.Encoding()))
		return nil, ErrSnapshotCorrupt
	}
	raw, err := m.pipeline.Decode(snap.State)
	if err != nil {
		m.markCorrupt(snap, err)
		return nil, err
	}
	if sum := Checksum(raw); sum != snap.Checksum {
		m.markCorrupt(snap, errors.New("checksum mismatch"))
		return nil, ErrSnapshotCorrupt
	}

	out := *snap
	out.State = raw
	return &out, nil
}

func (m *Manager) markCorrupt(snap *Snapshot, err error) {
	m.stats.inc(func(s *Stats) { s.Corrupt++ })
	m.cfg.Metrics.SnapshotCorrupt(snap.AggregateType)
	m.log.Warn("corrupt snapshot treated as absent", snap.LogAttrs(), slog.Any("error", err))
}

func (m *Manager) lastKnownVersion(ctx context.Context, aggType, aggID string) (es.Version, error) {
	key := es.StreamKey(aggType, aggID)

	m.mu.Lock()
	v, ok := m.lastVersion[key]
	m.mu.Unlock()
	if ok {
		return v, nil
	}

	latest, err := m.store.Latest(ctx, aggType, aggID)
	if err != nil {
		if errors.Is(err, ErrSnapshotNotFound) {
			return 0, nil
		}
		return 0, err
	}
	m.setLastVersion(aggType, aggID, latest.AggregateVersion)
	return latest.AggregateVersion, nil
}

func (m *Manager) setLastVersion(aggType, aggID string, v es.Version) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastVersion[es.StreamKey(aggType, aggID)] = v
}

// serializeState validates and serializes a snapshot state. Null or
// non-structured states (numbers, strings, booleans) are rejected.
func serializeState(state any) ([]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("%w: snapshot state is nil", es.ErrValidation)
	}

	var raw []byte
	switch s := state.(type) {
	case json.RawMessage:
		raw = s
	case []byte:
		raw = s
	default:
		var err error
		raw, err = json.Marshal(state)
		if err != nil {
			return nil, fmt.Errorf("%w: serialize snapshot state: %w", es.ErrValidation, err)
		}
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, fmt.Errorf("%w: snapshot state must be a structured value", es.ErrValidation)
	}
	return raw, nil
}
