package replay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evohq/sourcing-go/core/es"
	"github.com/evohq/sourcing-go/core/snapshot"
)

// userBuilder folds user events by merging the event payload into a
// map state. failAlways/failTimes inject apply failures per event id.
type userBuilder struct {
	mu         sync.Mutex
	failAlways map[string]bool
	failTimes  map[string]int
	invalid    map[string]bool
}

func (b *userBuilder) AggregateType() string  { return "user" }
func (b *userBuilder) BuildInitialState() any { return map[string]any{} }

func (b *userBuilder) ApplyEvent(state any, ev es.Event) (any, error) {
	b.mu.Lock()
	if b.failAlways[ev.EventID] {
		b.mu.Unlock()
		return nil, errors.New("apply rejected")
	}
	if n := b.failTimes[ev.EventID]; n > 0 {
		b.failTimes[ev.EventID] = n - 1
		b.mu.Unlock()
		return nil, errors.New("transient apply failure")
	}
	b.mu.Unlock()

	cur := state.(map[string]any)
	next := make(map[string]any, len(cur)+2)
	for k, v := range cur {
		next[k] = v
	}
	var patch map[string]any
	if err := json.Unmarshal(ev.Data, &patch); err != nil {
		return nil, err
	}
	for k, v := range patch {
		next[k] = v
	}
	if b.invalid[ev.EventID] {
		next["__broken"] = true
	}
	return next, nil
}

func (b *userBuilder) ValidateState(state any) bool {
	m, ok := state.(map[string]any)
	if !ok {
		return false
	}
	_, broken := m["__broken"]
	return !broken
}

func (b *userBuilder) SerializeState(state any) ([]byte, error) { return json.Marshal(state) }

func (b *userBuilder) DeserializeState(data []byte) (any, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func seedUserEvents(t *testing.T, store es.EventStore, aggID string, payloads ...string) []es.Event {
	t.Helper()
	events := make([]es.Event, 0, len(payloads))
	for i, payload := range payloads {
		ev := es.Event{
			EventID:       fmt.Sprintf("%s-ev-%d", aggID, i+1),
			AggregateID:   aggID,
			AggregateType: "user",
			EventType:     "USER_UPDATED",
			Version:       es.Version(i + 1),
			Status:        es.StatusCompleted,
			Data:          json.RawMessage(payload),
			Timestamp:     time.Now(),
		}
		if i == 0 {
			ev.EventType = "USER_CREATED"
		}
		require.NoError(t, store.Append(t.Context(), ev))
		events = append(events, ev)
	}
	return events
}

func newTestEngine(t *testing.T, store es.EventStore, opts ...func(*Config)) *Engine {
	t.Helper()
	cfg := Config{
		Store:      store,
		Enabled:    true,
		RetryDelay: time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	engine, err := NewEngine(cfg)
	require.NoError(t, err)
	require.NoError(t, engine.RegisterBuilder(&userBuilder{}))
	return engine
}

func TestEngine_ReplayAggregate(t *testing.T) {
	store := es.NewInMemoryStore()
	seedUserEvents(t, store, "user-123", `{"name":"John"}`, `{"name":"Jane"}`)
	engine := newTestEngine(t, store)

	result, err := engine.ReplayAggregate(t.Context(), Request{
		AggregateID:   "user-123",
		AggregateType: "user",
		ToVersion:     2,
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, 2, result.EventsProcessed)
	require.Zero(t, result.EventsFailed)
	require.JSONEq(t, `{"name":"Jane"}`, string(result.State))
	require.Equal(t, es.Version(1), result.FromVersion)
	require.Equal(t, es.Version(2), result.ToVersion)

	status, err := engine.Status(result.ReplayID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, status.Status)

	stats := engine.Stats()
	require.EqualValues(t, 1, stats.Replays)
	require.EqualValues(t, 1, stats.Completed)
	require.EqualValues(t, 2, stats.EventsProcessed)
}

func TestEngine_ReplayToVersion_Partial(t *testing.T) {
	store := es.NewInMemoryStore()
	seedUserEvents(t, store, "user-1", `{"name":"a"}`, `{"name":"b"}`, `{"name":"c"}`)
	engine := newTestEngine(t, store)

	result, err := engine.ReplayToVersion(t.Context(), "user-1", "user", 2)
	require.NoError(t, err)
	require.Equal(t, 2, result.EventsProcessed)
	require.JSONEq(t, `{"name":"b"}`, string(result.State))
}

func TestEngine_ReplayToTime(t *testing.T) {
	store := es.NewInMemoryStore()
	cutoff := time.Now().Add(-time.Hour)
	old := es.Event{
		EventID: "old", AggregateID: "user-2", AggregateType: "user",
		EventType: "USER_CREATED", Version: 1,
		Data: json.RawMessage(`{"name":"old"}`), Timestamp: cutoff.Add(-time.Minute),
	}
	recent := es.Event{
		EventID: "recent", AggregateID: "user-2", AggregateType: "user",
		EventType: "USER_UPDATED", Version: 2,
		Data: json.RawMessage(`{"name":"new"}`), Timestamp: time.Now(),
	}
	require.NoError(t, store.Append(t.Context(), old))
	require.NoError(t, store.Append(t.Context(), recent))
	engine := newTestEngine(t, store)

	result, err := engine.ReplayToTime(t.Context(), "user-2", "user", cutoff)
	require.NoError(t, err)
	require.Equal(t, 1, result.EventsProcessed)
	require.JSONEq(t, `{"name":"old"}`, string(result.State))
}

func TestEngine_StrategySkip(t *testing.T) {
	store := es.NewInMemoryStore()
	events := seedUserEvents(t, store, "user-3", `{"a":1}`, `{"b":2}`, `{"c":3}`)
	engine := newTestEngine(t, store)
	builder := &userBuilder{failAlways: map[string]bool{events[1].EventID: true}}
	require.NoError(t, engine.RegisterBuilder(builder))

	result, err := engine.ReplayAggregate(t.Context(), Request{
		AggregateID:   "user-3",
		AggregateType: "user",
		Strategy:      StrategySkip,
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.Equal(t, 2, result.EventsProcessed)
	require.Equal(t, 1, result.EventsSkipped)
	require.Len(t, result.Errors, 1)
	require.Equal(t, events[1].EventID, result.Errors[0].EventID)
	require.JSONEq(t, `{"a":1,"c":3}`, string(result.State))
}

func TestEngine_StrategyStop(t *testing.T) {
	store := es.NewInMemoryStore()
	events := seedUserEvents(t, store, "user-4", `{"a":1}`, `{"b":2}`, `{"c":3}`)
	engine := newTestEngine(t, store)
	builder := &userBuilder{failAlways: map[string]bool{events[1].EventID: true}}
	require.NoError(t, engine.RegisterBuilder(builder))

	result, err := engine.ReplayAggregate(t.Context(), Request{
		AggregateID:   "user-4",
		AggregateType: "user",
		Strategy:      StrategyStop,
	})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Equal(t, 1, result.EventsProcessed)
	require.Equal(t, 1, result.EventsFailed)
	require.Nil(t, result.State)
}

func TestEngine_StrategyRetry(t *testing.T) {
	store := es.NewInMemoryStore()
	events := seedUserEvents(t, store, "user-5", `{"a":1}`, `{"b":2}`)
	engine := newTestEngine(t, store, func(c *Config) { c.RetryCount = 3 })

	t.Run("recovers within budget", func(t *testing.T) {
		builder := &userBuilder{failTimes: map[string]int{events[1].EventID: 2}}
		require.NoError(t, engine.RegisterBuilder(builder))

		result, err := engine.ReplayAggregate(t.Context(), Request{
			AggregateID:   "user-5",
			AggregateType: "user",
			Strategy:      StrategyRetry,
		})
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, result.Status)
		require.Equal(t, 2, result.EventsProcessed)
		require.Empty(t, result.Errors)
	})

	t.Run("exhausts budget and continues", func(t *testing.T) {
		builder := &userBuilder{failAlways: map[string]bool{events[0].EventID: true}}
		require.NoError(t, engine.RegisterBuilder(builder))

		result, err := engine.ReplayAggregate(t.Context(), Request{
			AggregateID:   "user-5",
			AggregateType: "user",
			Strategy:      StrategyRetry,
		})
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, result.Status)
		require.Equal(t, 1, result.EventsProcessed)
		require.Equal(t, 1, result.EventsFailed)
		require.Len(t, result.Errors, 1)
		require.Equal(t, 4, result.Errors[0].Attempts)
	})
}

func TestEngine_ValidateEachStep(t *testing.T) {
	store := es.NewInMemoryStore()
	events := seedUserEvents(t, store, "user-6", `{"a":1}`, `{"b":2}`)
	engine := newTestEngine(t, store)
	builder := &userBuilder{invalid: map[string]bool{events[1].EventID: true}}
	require.NoError(t, engine.RegisterBuilder(builder))

	result, err := engine.ReplayAggregate(t.Context(), Request{
		AggregateID:      "user-6",
		AggregateType:    "user",
		ValidateEachStep: true,
		Strategy:         StrategyStop,
	})
	require.NoError(t, err)
	require.Equal(t, StatusFailed, result.Status)
	require.Contains(t, result.Errors[0].Error, "validation failed")
}

func TestEngine_SnapshotConsistency(t *testing.T) {
	store := es.NewInMemoryStore()
	payloads := make([]string, 0, 20)
	for i := 1; i <= 20; i++ {
		payloads = append(payloads, fmt.Sprintf(`{"step":%d}`, i))
	}
	seedUserEvents(t, store, "user-7", payloads...)

	snapshots, err := snapshot.NewManager(snapshot.Config{
		Enabled:  true,
		Store:    snapshot.NewInMemoryStore(),
		Interval: 1,
	})
	require.NoError(t, err)

	// the snapshot holds the state after version 10
	builder := &userBuilder{}
	state := builder.BuildInitialState()
	events, err := store.Query(t.Context(), es.EventQuery{AggregateID: "user-7", ToVersion: 10})
	require.NoError(t, err)
	for _, ev := range events {
		state, err = builder.ApplyEvent(state, ev)
		require.NoError(t, err)
	}
	_, err = snapshots.Create(t.Context(), "user-7", "user", state, 10, nil)
	require.NoError(t, err)

	engine := newTestEngine(t, store, func(c *Config) {
		c.Snapshots = snapshots
		c.SnapshotThreshold = 5
	})

	seeded, err := engine.ReplayAggregate(t.Context(), Request{
		AggregateID:   "user-7",
		AggregateType: "user",
	})
	require.NoError(t, err)
	require.True(t, seeded.SnapshotUsed)
	require.Equal(t, es.Version(10), seeded.SnapshotVersion)
	require.Equal(t, 10, seeded.EventsProcessed)

	full, err := engine.ReplayAggregate(t.Context(), Request{
		AggregateID:     "user-7",
		AggregateType:   "user",
		DisableSnapshot: true,
	})
	require.NoError(t, err)
	require.False(t, full.SnapshotUsed)
	require.Equal(t, 20, full.EventsProcessed)

	// seeded and from-scratch replays agree on the final state
	require.JSONEq(t, string(full.State), string(seeded.State))
}

func TestEngine_Cancel(t *testing.T) {
	store := es.NewInMemoryStore()
	payloads := make([]string, 0, 10)
	for i := 1; i <= 10; i++ {
		payloads = append(payloads, fmt.Sprintf(`{"step":%d}`, i))
	}
	seedUserEvents(t, store, "user-8", payloads...)
	engine := newTestEngine(t, store, func(c *Config) { c.ProgressInterval = 1 })

	result, err := engine.ReplayAggregate(t.Context(), Request{
		AggregateID:   "user-8",
		AggregateType: "user",
		OnProgress: func(p Progress) {
			if p.EventsDone == 3 {
				require.NoError(t, engine.Cancel(p.ReplayID))
			}
		},
	})
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, result.Status)
	require.Equal(t, 3, result.EventsProcessed)

	require.ErrorIs(t, engine.Cancel(result.ReplayID), ErrReplayFinished)
	require.ErrorIs(t, engine.Cancel("nope"), ErrReplayNotFound)

	stats := engine.Stats()
	require.EqualValues(t, 1, stats.Cancelled)
}

func TestEngine_Progress(t *testing.T) {
	store := es.NewInMemoryStore()
	payloads := make([]string, 0, 10)
	for i := 1; i <= 10; i++ {
		payloads = append(payloads, fmt.Sprintf(`{"step":%d}`, i))
	}
	seedUserEvents(t, store, "user-9", payloads...)
	engine := newTestEngine(t, store, func(c *Config) { c.ProgressInterval = 4 })

	var seen []Progress
	_, err := engine.ReplayAggregate(t.Context(), Request{
		AggregateID:   "user-9",
		AggregateType: "user",
		OnProgress:    func(p Progress) { seen = append(seen, p) },
	})
	require.NoError(t, err)

	// at events 4, 8 and the final 10
	require.Len(t, seen, 3)
	require.Equal(t, 4, seen[0].EventsDone)
	require.Equal(t, 8, seen[1].EventsDone)
	require.Equal(t, 10, seen[2].EventsDone)
	require.InDelta(t, 100, seen[2].Percent, 0.001)
}

func TestEngine_Disabled(t *testing.T) {
	engine, err := NewEngine(Config{Enabled: false})
	require.NoError(t, err)

	_, err = engine.ReplayAggregate(t.Context(), Request{AggregateID: "x", AggregateType: "user"})
	require.ErrorIs(t, err, es.ErrFeatureDisabled)
	require.Equal(t, es.StatusDisabled, engine.Health(t.Context()).Status)
}

func TestEngine_Validation(t *testing.T) {
	engine := newTestEngine(t, es.NewInMemoryStore())

	_, err := engine.ReplayAggregate(t.Context(), Request{AggregateType: "user"})
	require.ErrorIs(t, err, es.ErrValidation)

	_, err = engine.ReplayAggregate(t.Context(), Request{
		AggregateID: "x", AggregateType: "user", FromVersion: 5, ToVersion: 2,
	})
	require.ErrorIs(t, err, es.ErrValidation)

	_, err = engine.ReplayAggregate(t.Context(), Request{
		AggregateID: "x", AggregateType: "user", Strategy: "explode",
	})
	require.ErrorIs(t, err, es.ErrValidation)

	_, err = engine.ReplayAggregate(t.Context(), Request{AggregateID: "x", AggregateType: "order"})
	require.ErrorContains(t, err, `no state builder registered for aggregate type "order"`)
}

func TestEngine_EmptyStream(t *testing.T) {
	engine := newTestEngine(t, es.NewInMemoryStore())

	result, err := engine.ReplayAggregate(t.Context(), Request{
		AggregateID:   "missing",
		AggregateType: "user",
	})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, result.Status)
	require.Zero(t, result.EventsProcessed)
	require.JSONEq(t, `{}`, string(result.State))
}

func TestBuilderRegistry(t *testing.T) {
	engine := newTestEngine(t, es.NewInMemoryStore())

	require.ErrorIs(t, engine.RegisterBuilder(&anonBuilder{}), es.ErrValidation)

	engine.UnregisterBuilder("user")
	_, err := engine.ReplayAggregate(t.Context(), Request{AggregateID: "x", AggregateType: "user"})
	require.ErrorContains(t, err, "no state builder registered")
}

type anonBuilder struct{ userBuilder }

func (a *anonBuilder) AggregateType() string { return "" }

func TestEngine_FinishedRunRetention(t *testing.T) {
	store := es.NewInMemoryStore()
	seedUserEvents(t, store, "user-1", `{"name":"John"}`)
	engine := newTestEngine(t, store, func(c *Config) { c.RetainFinished = 2 })

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		result, err := engine.ReplayAggregate(t.Context(), Request{
			AggregateID:   "user-1",
			AggregateType: "user",
		})
		require.NoError(t, err)
		ids = append(ids, result.ReplayID)
	}

	// the oldest finished run is evicted, the newest two stay queryable
	_, err := engine.Status(ids[0])
	require.ErrorIs(t, err, ErrReplayNotFound)
	for _, id := range ids[1:] {
		got, err := engine.Status(id)
		require.NoError(t, err)
		require.Equal(t, StatusCompleted, got.Status)
	}
}
