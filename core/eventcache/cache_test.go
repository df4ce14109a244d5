package eventcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/evohq/sourcing-go/core/es"
	"github.com/evohq/sourcing-go/ports/kv"
)

func newTestCache(t *testing.T, backend kv.Store) *Cache {
	t.Helper()
	c, err := New(Config{
		Backend:    backend,
		Enabled:    true,
		DefaultTTL: time.Hour,
	})
	require.NoError(t, err)
	return c
}

func testEvent(aggID string, version es.Version) es.Event {
	now := time.Now()
	return es.Event{
		EventID:       uuid.NewString(),
		AggregateID:   aggID,
		AggregateType: "user",
		EventType:     "USER_UPDATED",
		Version:       version,
		Status:        es.StatusCompleted,
		Data:          json.RawMessage(fmt.Sprintf(`{"v":%d}`, version)),
		Timestamp:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestCache_RoundTrip(t *testing.T) {
	c := newTestCache(t, kv.NewMemStore())

	ev := testEvent("user-1", 1)
	require.NoError(t, c.CacheEvent(t.Context(), ev, 0))

	got, ok := c.GetEvent(t.Context(), ev.EventID)
	require.True(t, ok)
	require.Equal(t, ev.EventID, got.EventID)
	require.Equal(t, ev.Data, got.Data)

	_, ok = c.GetEvent(t.Context(), "nope")
	require.False(t, ok)

	s := c.Stats()
	require.Equal(t, int64(1), s.Hits)
	require.Equal(t, int64(1), s.Misses)
	require.Equal(t, 0.5, s.HitRate())
}

func TestCache_StreamIndexOrdered(t *testing.T) {
	c := newTestCache(t, kv.NewMemStore())

	e1 := testEvent("user-1", 1)
	e2 := testEvent("user-1", 2)
	e3 := testEvent("user-1", 3)

	// cache out of order; index must come back version-ordered
	require.NoError(t, c.CacheEvents(t.Context(), []es.Event{e3, e1}, 0))
	require.NoError(t, c.CacheEvent(t.Context(), e2, 0))

	stream, ok := c.GetAggregateEvents(t.Context(), "user-1", "user")
	require.True(t, ok)
	require.Len(t, stream, 3)
	for i, ev := range stream {
		require.Equal(t, es.Version(i+1), ev.Version)
	}
}

func TestCache_PartialStreamIsMiss(t *testing.T) {
	c := newTestCache(t, kv.NewMemStore())

	e1 := testEvent("user-1", 1)
	e2 := testEvent("user-1", 2)
	require.NoError(t, c.CacheEvents(t.Context(), []es.Event{e1, e2}, 0))

	// drop one member behind the index's back
	require.NoError(t, c.InvalidateEvent(t.Context(), e1.EventID))

	_, ok := c.GetAggregateEvents(t.Context(), "user-1", "user")
	require.False(t, ok)
}

func TestCache_InvalidateAggregate(t *testing.T) {
	c := newTestCache(t, kv.NewMemStore())

	e1 := testEvent("user-1", 1)
	e2 := testEvent("user-1", 2)
	require.NoError(t, c.CacheEvents(t.Context(), []es.Event{e1, e2}, 0))

	require.NoError(t, c.InvalidateAggregateEvents(t.Context(), "user-1", "user"))

	_, ok := c.GetEvent(t.Context(), e1.EventID)
	require.False(t, ok)
	_, ok = c.GetAggregateEvents(t.Context(), "user-1", "user")
	require.False(t, ok)
}

func TestCache_Disabled(t *testing.T) {
	c, err := New(Config{Enabled: false})
	require.NoError(t, err)

	require.NoError(t, c.CacheEvent(t.Context(), testEvent("user-1", 1), 0))
	_, ok := c.GetEvent(t.Context(), "anything")
	require.False(t, ok)
	require.Equal(t, es.StatusDisabled, c.Health(t.Context()).Status)
}

// flakyStore simulates a backend outage.
type flakyStore struct {
	*kv.MemStore
	down bool
}

var errDown = errors.New("connection refused")

func (f *flakyStore) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	if f.down {
		return errDown
	}
	return f.MemStore.Put(ctx, key, entry, opts)
}

func (f *flakyStore) Get(ctx context.Context, key string) (kv.Entry, error) {
	if f.down {
		return kv.Entry{}, errDown
	}
	return f.MemStore.Get(ctx, key)
}

func TestCache_DegradedOnOutage(t *testing.T) {
	backend := &flakyStore{MemStore: kv.NewMemStore()}
	c := newTestCache(t, backend)

	ev := testEvent("user-1", 1)
	require.NoError(t, c.CacheEvent(t.Context(), ev, 0))

	backend.down = true

	// first call hits the backend, fails, and flips to degraded
	err := c.CacheEvent(t.Context(), testEvent("user-1", 2), 0)
	require.ErrorIs(t, err, es.ErrCacheUnavailable)
	require.Equal(t, es.StatusDegraded, c.Health(t.Context()).Status)

	// degraded: everything is a silent no-op / miss
	require.NoError(t, c.CacheEvent(t.Context(), testEvent("user-1", 3), 0))
	_, ok := c.GetEvent(t.Context(), ev.EventID)
	require.False(t, ok)

	// backend comes back; a successful probe recovers the cache
	backend.down = false
	c.probe(t.Context())
	require.Equal(t, es.StatusHealthy, c.Health(t.Context()).Status)

	got, ok := c.GetEvent(t.Context(), ev.EventID)
	require.True(t, ok)
	require.Equal(t, ev.EventID, got.EventID)
}

func TestCache_Prune(t *testing.T) {
	backend := kv.NewMemStore()
	c := newTestCache(t, backend)

	require.NoError(t, c.CacheEvent(t.Context(), testEvent("user-1", 1), 30*time.Millisecond))
	require.NoError(t, c.CacheEvent(t.Context(), testEvent("user-2", 1), time.Hour))

	<-time.After(60 * time.Millisecond)

	// MemStore evicts on access; prune must handle what is left and
	// count nothing twice
	n, err := c.Prune(t.Context())
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 0)

	n2, err := c.Prune(t.Context())
	require.NoError(t, err)
	require.Zero(t, n2)

	_, ok := c.GetAggregateEvents(t.Context(), "user-2", "user")
	require.True(t, ok)
}

func TestCache_DegradationNotifies(t *testing.T) {
	backend := &flakyStore{MemStore: kv.NewMemStore()}
	notifier := es.NewChanNotifier(4)
	c, err := New(Config{
		Backend:  backend,
		Notifier: notifier,
		Enabled:  true,
	})
	require.NoError(t, err)

	backend.down = true
	require.Error(t, c.CacheEvent(t.Context(), testEvent("user-1", 1), 0))

	select {
	case n := <-notifier.Chan():
		require.Equal(t, "eventcache.degraded", n.Subject)
		require.Contains(t, n.Payload["error"], "connection refused")
	default:
		t.Fatal("expected a degraded notification")
	}

	// only the transition notifies; degraded no-ops stay silent
	require.NoError(t, c.CacheEvent(t.Context(), testEvent("user-1", 2), 0))
	select {
	case n := <-notifier.Chan():
		t.Fatalf("unexpected notification %s", n.Subject)
	default:
	}

	backend.down = false
	c.probe(t.Context())
	select {
	case n := <-notifier.Chan():
		require.Equal(t, "eventcache.recovered", n.Subject)
	default:
		t.Fatal("expected a recovered notification")
	}
}
