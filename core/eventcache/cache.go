package eventcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/evohq/sourcing-go/core/es"
	"github.com/evohq/sourcing-go/ports/kv"
)

var codec = jsoniter.ConfigFastest

// CachedEvent wraps an event with cache bookkeeping.
type CachedEvent struct {
	Event es.Event `json:"event"`

	CachedAt     time.Time `json:"cached_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	AccessCount  int64     `json:"access_count"`
	LastAccessed time.Time `json:"last_accessed"`
}

func (c CachedEvent) expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// streamMember references one event of an aggregate stream index.
type streamMember struct {
	EventID string     `json:"event_id"`
	Version es.Version `json:"version"`
}

// streamIndex is the version-ordered index of one aggregate stream.
type streamIndex struct {
	AggregateID   string         `json:"aggregate_id"`
	AggregateType string         `json:"aggregate_type"`
	Members       []streamMember `json:"members"`
	ExpiresAt     time.Time      `json:"expires_at"`
}

func (s streamIndex) expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

type Config struct {
	Log      *slog.Logger
	Backend  kv.Store
	Notifier es.Notifier
	Metrics  es.CoreMetrics

	// Enabled gates the whole component. When false, every operation is
	// a no-op miss and Health reports disabled.
	Enabled bool

	// DefaultTTL applies to single event entries (default: 1h).
	DefaultTTL time.Duration
	// StreamTTL applies to aggregate stream indices. An index lives at
	// least as long as its longest-lived member (default: 30m, raised to
	// the member TTL when that is longer).
	StreamTTL time.Duration

	// KeyPrefix namespaces all cache keys (default: "es").
	KeyPrefix string

	// PruneInterval is the cadence of the expiry prune loop (default: 5m).
	PruneInterval time.Duration
	// TelemetryInterval is the cadence of the health/hit-rate telemetry
	// loop (default: 1m).
	TelemetryInterval time.Duration
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
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = time.Hour
	}
	if c.StreamTTL <= 0 {
		c.StreamTTL = 30 * time.Minute
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "es"
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 5 * time.Minute
	}
	if c.TelemetryInterval <= 0 {
		c.TelemetryInterval = time.Minute
	}
}

// Cache is the write-through/read-through event cache. All operations
// are best-effort: a backend failure marks the cache degraded and is
// reported to the caller as a miss (reads) or a skipped write, never as
// a fatal error.
type Cache struct {
	cfg      Config
	log      *slog.Logger
	backend  kv.Store
	degraded atomic.Bool
	stats    *statsSet
}

func New(cfg Config) (*Cache, error) {
	if cfg.Backend == nil && cfg.Enabled {
		return nil, errors.New("backend is required")
	}
	cfg.setDefaults()

	return &Cache{
		cfg:     cfg,
		log:     cfg.Log.With(slog.String("component", "eventcache")),
		backend: cfg.Backend,
		stats:   newStatsSet(),
	}, nil
}

func (c *Cache) eventKey(eventID string) string {
	return fmt.Sprintf("%s:event:%s", c.cfg.KeyPrefix, eventID)
}

func (c *Cache) streamKey(aggType, aggID string) string {
	return fmt.Sprintf("%s:stream:%s:%s", c.cfg.KeyPrefix, aggType, aggID)
}

// fail records a backend failure, transitions to degraded mode and
// returns ErrCacheUnavailable wrapped around err.
func (c *Cache) fail(ctx context.Context, op string, err error) error {
	c.stats.errors.Add(1)
	c.cfg.Metrics.CacheError(op)
	if c.degraded.CompareAndSwap(false, true) {
		c.cfg.Metrics.CacheDegraded(true)
		c.log.Warn("cache degraded", slog.String("op", op), slog.Any("error", err))
		c.cfg.Notifier.Notify(ctx, es.NewNotification(es.SubjectEventCache, "degraded", map[string]any{
			"op":    op,
			"error": err.Error(),
		}))
	}
	return fmt.Errorf("%w: %s: %w", es.ErrCacheUnavailable, op, err)
}

// recover clears degraded mode after a successful backend round trip.
func (c *Cache) recover(ctx context.Context) {
	if c.degraded.CompareAndSwap(true, false) {
		c.cfg.Metrics.CacheDegraded(false)
		c.log.Info("cache recovered")
		c.cfg.Notifier.Notify(ctx, es.NewNotification(es.SubjectEventCache, "recovered", nil))
	}
}

func (c *Cache) active() bool {
	return c.cfg.Enabled && !c.degraded.Load()
}

// CacheEvent stores a single event and upserts its stream index.
// ttl <= 0 applies the configured default.
func (c *Cache) CacheEvent(ctx context.Context, event es.Event, ttl time.Duration) error {
	if !c.active() {
		return nil
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	now := time.Now()
	ce := CachedEvent{
		Event:        event,
		CachedAt:     now,
		ExpiresAt:    now.Add(ttl),
		LastAccessed: now,
	}
	if err := c.putEntry(ctx, c.eventKey(event.EventID), ce, ttl); err != nil {
		return err
	}
	if err := c.upsertIndex(ctx, event.AggregateType, event.AggregateID, []es.Event{event}, ttl); err != nil {
		return err
	}

	c.stats.puts.Add(1)
	c.recover(ctx)
	return nil
}

// CacheEvents stores a batch of events and upserts the affected stream
// indices in one pass per stream.
func (c *Cache) CacheEvents(ctx context.Context, events []es.Event, ttl time.Duration) error {
	if !c.active() || len(events) == 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	now := time.Now()
	byStream := map[string][]es.Event{}
	for _, ev := range events {
		ce := CachedEvent{
			Event:        ev,
			CachedAt:     now,
			ExpiresAt:    now.Add(ttl),
			LastAccessed: now,
		}
		if err := c.putEntry(ctx, c.eventKey(ev.EventID), ce, ttl); err != nil {
			return err
		}
		byStream[ev.StreamKey()] = append(byStream[ev.StreamKey()], ev)
	}
	for _, group := range byStream {
		if err := c.upsertIndex(ctx, group[0].AggregateType, group[0].AggregateID, group, ttl); err != nil {
			return err
		}
	}

	c.stats.puts.Add(int64(len(events)))
	c.recover(ctx)
	return nil
}

// GetEvent returns the cached event, if present and unexpired.
func (c *Cache) GetEvent(ctx context.Context, eventID string) (es.Event, bool) {
	if !c.active() {
		c.miss("event")
		return es.Event{}, false
	}

	ce, ok := c.getEntry(ctx, c.eventKey(eventID))
	if !ok {
		c.miss("event")
		return es.Event{}, false
	}

	c.touch(ctx, c.eventKey(eventID), &ce)
	c.hit("event")
	return ce.Event, true
}

// GetAggregateEvents returns the full cached stream of an aggregate,
// ordered by version. A partially cached stream (missing or expired
// member) counts as a miss so the caller falls through to the store.
func (c *Cache) GetAggregateEvents(ctx context.Context, aggID, aggType string) ([]es.Event, bool) {
	if !c.active() {
		c.miss("stream")
		return nil, false
	}

	idx, ok := c.getIndex(ctx, aggType, aggID)
	if !ok || len(idx.Members) == 0 {
		c.miss("stream")
		return nil, false
	}

	out := make([]es.Event, 0, len(idx.Members))
	for _, m := range idx.Members {
		ce, ok := c.getEntry(ctx, c.eventKey(m.EventID))
		if !ok {
			c.miss("stream")
			return nil, false
		}
		out = append(out, ce.Event)
	}

	c.hit("stream")
	return out, true
}

// InvalidateEvent removes a single event entry and its index member.
func (c *Cache) InvalidateEvent(ctx context.Context, eventID string) error {
	if !c.active() {
		return nil
	}

	key := c.eventKey(eventID)
	ce, ok := c.getEntry(ctx, key)
	if err := c.backend.Delete(ctx, key); err != nil {
		return c.fail(ctx, "invalidate_event", err)
	}
	if ok {
		c.removeIndexMember(ctx, ce.Event.AggregateType, ce.Event.AggregateID, eventID)
	}

	c.stats.invalidations.Add(1)
	c.recover(ctx)
	return nil
}

// InvalidateAggregateEvents removes a stream index and all its member
// entries.
func (c *Cache) InvalidateAggregateEvents(ctx context.Context, aggID, aggType string) error {
	if !c.active() {
		return nil
	}

	idx, ok := c.getIndex(ctx, aggType, aggID)
	if ok {
		for _, m := range idx.Members {
			if err := c.backend.Delete(ctx, c.eventKey(m.EventID)); err != nil {
				return c.fail(ctx, "invalidate_stream", err)
			}
		}
	}
	if err := c.backend.Delete(ctx, c.streamKey(aggType, aggID)); err != nil {
		return c.fail(ctx, "invalidate_stream", err)
	}

	c.stats.invalidations.Add(1)
	c.recover(ctx)
	return nil
}

// Health reports the cache state: disabled, degraded or healthy, with
// hit-rate details.
func (c *Cache) Health(ctx context.Context) es.Health {
	if !c.cfg.Enabled {
		return es.Disabled()
	}

	s := c.Stats()
	h := es.Healthy()
	if c.degraded.Load() {
		h = es.Degraded()
	}
	return h.
		WithDetail("hit_rate", s.HitRate()).
		WithDetail("hits", s.Hits).
		WithDetail("misses", s.Misses).
		WithDetail("errors", s.Errors)
}

// === internals ===

func (c *Cache) putEntry(ctx context.Context, key string, ce CachedEvent, ttl time.Duration) error {
	data, err := codec.Marshal(ce)
	if err != nil {
		return c.fail(ctx, "encode", err)
	}
	err = c.backend.Put(ctx, key, kv.Entry{Data: data}, kv.PutOptions{TTL: ttl})
	if err != nil {
		return c.fail(ctx, "put", err)
	}
	return nil
}

func (c *Cache) getEntry(ctx context.Context, key string) (CachedEvent, bool) {
	entry, err := c.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			_ = c.fail(ctx, "get", err)
		}
		return CachedEvent{}, false
	}
	c.recover(ctx)

	var ce CachedEvent
	if err := codec.Unmarshal(entry.Data, &ce); err != nil {
		c.log.Warn("corrupt cache entry", slog.String("key", key), slog.Any("error", err))
		_ = c.backend.Delete(ctx, key)
		return CachedEvent{}, false
	}
	if ce.expired(time.Now()) {
		_ = c.backend.Delete(ctx, key)
		return CachedEvent{}, false
	}
	return ce, true
}

// touch updates access bookkeeping, best-effort.
func (c *Cache) touch(ctx context.Context, key string, ce *CachedEvent) {
	now := time.Now()
	ce.AccessCount++
	ce.LastAccessed = now

	remaining := ce.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return
	}
	if data, err := codec.Marshal(ce); err == nil {
		_ = c.backend.Put(ctx, key, kv.Entry{Data: data}, kv.PutOptions{TTL: remaining})
	}
}

func (c *Cache) getIndex(ctx context.Context, aggType, aggID string) (streamIndex, bool) {
	key := c.streamKey(aggType, aggID)
	entry, err := c.backend.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			_ = c.fail(ctx, "get_index", err)
		}
		return streamIndex{}, false
	}
	c.recover(ctx)

	var idx streamIndex
	if err := codec.Unmarshal(entry.Data, &idx); err != nil {
		c.log.Warn("corrupt stream index", slog.String("key", key), slog.Any("error", err))
		_ = c.backend.Delete(ctx, key)
		return streamIndex{}, false
	}
	if idx.expired(time.Now()) {
		_ = c.backend.Delete(ctx, key)
		return streamIndex{}, false
	}
	return idx, true
}

// upsertIndex merges events into the stream index, keeping members
// version-ordered and deduplicated. The index TTL is at least as long
// as the longest-lived member.
func (c *Cache) upsertIndex(ctx context.Context, aggType, aggID string, events []es.Event, memberTTL time.Duration) error {
	idx, _ := c.getIndex(ctx, aggType, aggID)
	idx.AggregateID = aggID
	idx.AggregateType = aggType

	seen := map[string]bool{}
	for _, m := range idx.Members {
		seen[m.EventID] = true
	}
	for _, ev := range events {
		if seen[ev.EventID] {
			continue
		}
		idx.Members = append(idx.Members, streamMember{EventID: ev.EventID, Version: ev.Version})
		seen[ev.EventID] = true
	}
	sort.Slice(idx.Members, func(i, j int) bool { return idx.Members[i].Version < idx.Members[j].Version })

	ttl := c.cfg.StreamTTL
	if memberTTL > ttl {
		ttl = memberTTL
	}
	newExpiry := time.Now().Add(ttl)
	if newExpiry.After(idx.ExpiresAt) {
		idx.ExpiresAt = newExpiry
	} else {
		ttl = time.Until(idx.ExpiresAt)
	}

	data, err := codec.Marshal(idx)
	if err != nil {
		return c.fail(ctx, "encode_index", err)
	}
	if err := c.backend.Put(ctx, c.streamKey(aggType, aggID), kv.Entry{Data: data}, kv.PutOptions{TTL: ttl}); err != nil {
		return c.fail(ctx, "put_index", err)
	}
	return nil
}

func (c *Cache) removeIndexMember(ctx context.Context, aggType, aggID, eventID string) {
	idx, ok := c.getIndex(ctx, aggType, aggID)
	if !ok {
		return
	}
	members := idx.Members[:0]
	for _, m := range idx.Members {
		if m.EventID != eventID {
			members = append(members, m)
		}
	}
	idx.Members = members

	data, err := codec.Marshal(idx)
	if err != nil {
		return
	}
	_ = c.backend.Put(ctx, c.streamKey(aggType, aggID), kv.Entry{Data: data}, kv.PutOptions{TTL: time.Until(idx.ExpiresAt)})
}

func (c *Cache) hit(kind string) {
	c.stats.hits.Add(1)
	c.cfg.Metrics.CacheHit(kind)
}

func (c *Cache) miss(kind string) {
	c.stats.misses.Add(1)
	c.cfg.Metrics.CacheMiss(kind)
}
