package projection

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evohq/sourcing-go/core/es"
	"github.com/evohq/sourcing-go/core/replay"
)

// userListHandler projects user events into a name-per-user read
// model. failOn injects per-event fold failures.
type userListHandler struct {
	mu     sync.Mutex
	failOn map[string]bool
}

func (h *userListHandler) ProjectionType() string    { return "user_list" }
func (h *userListHandler) ProjectionName() string    { return "by_id" }
func (h *userListHandler) AggregateTypes() []string  { return []string{"user"} }
func (h *userListHandler) EventTypes() []string      { return nil }
func (h *userListHandler) InitializeProjection() any { return map[string]string{} }

func (h *userListHandler) HandleEvent(state any, ev es.Event) (any, error) {
	h.mu.Lock()
	fail := h.failOn[ev.EventID]
	h.mu.Unlock()
	if fail {
		return nil, errors.New("handler rejected event")
	}

	cur := state.(map[string]string)
	next := make(map[string]string, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return nil, err
	}
	next[ev.AggregateID] = payload.Name
	return next, nil
}

func (h *userListHandler) ValidateProjection(state any) bool {
	_, ok := state.(map[string]string)
	return ok
}

func (h *userListHandler) SerializeProjection(state any) ([]byte, error) {
	return json.Marshal(state)
}

func (h *userListHandler) DeserializeProjection(data []byte) (any, error) {
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// HandleQuery supports {"user_id": id} lookups and {"list": true} for
// all known names sorted.
func (h *userListHandler) HandleQuery(state any, query map[string]any) (any, error) {
	m := state.(map[string]string)
	if id, ok := query["user_id"].(string); ok {
		name, found := m[id]
		if !found {
			return nil, fmt.Errorf("unknown user %q", id)
		}
		return name, nil
	}
	names := make([]string, 0, len(m))
	for _, name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func seedEvents(t *testing.T, store es.EventStore) {
	t.Helper()
	events := []es.Event{
		{EventID: "e1", AggregateID: "user-1", AggregateType: "user", EventType: "USER_CREATED",
			Version: 1, Data: json.RawMessage(`{"name":"John"}`), Timestamp: time.Now()},
		{EventID: "e2", AggregateID: "user-2", AggregateType: "user", EventType: "USER_CREATED",
			Version: 1, Data: json.RawMessage(`{"name":"Alice"}`), Timestamp: time.Now()},
		{EventID: "e3", AggregateID: "user-1", AggregateType: "user", EventType: "USER_UPDATED",
			Version: 2, Data: json.RawMessage(`{"name":"Jane"}`), Timestamp: time.Now()},
		{EventID: "e4", AggregateID: "order-1", AggregateType: "order", EventType: "ORDER_PLACED",
			Version: 1, Data: json.RawMessage(`{"total":10}`), Timestamp: time.Now()},
	}
	for _, ev := range events {
		require.NoError(t, store.Append(t.Context(), ev))
	}
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
	t.Cleanup(engine.Close)
	require.NoError(t, engine.RegisterHandler(&userListHandler{}))
	return engine
}

func TestEngine_ProjectEvents(t *testing.T) {
	store := es.NewInMemoryStore()
	seedEvents(t, store)
	engine := newTestEngine(t, store)

	result, err := engine.ProjectEvents(t.Context(), Request{
		ProjectionType: "user_list",
		ProjectionName: "by_id",
	})
	require.NoError(t, err)
	require.Equal(t, replay.StatusCompleted, result.Status)

	// the order event does not pass the handler's aggregate filter
	require.Equal(t, 3, result.EventsProcessed)
	require.JSONEq(t, `{"user-1":"Jane","user-2":"Alice"}`, string(result.State))

	status, err := engine.Status(result.ProjectionID)
	require.NoError(t, err)
	require.Equal(t, replay.StatusCompleted, status.Status)
}

func TestEngine_QueryProjection(t *testing.T) {
	store := es.NewInMemoryStore()
	seedEvents(t, store)
	engine := newTestEngine(t, store)

	// first query rebuilds from the store, second hits the cache
	name, err := engine.QueryProjection(t.Context(), "user_list", "by_id", map[string]any{"user_id": "user-1"})
	require.NoError(t, err)
	require.Equal(t, "Jane", name)

	names, err := engine.QueryProjection(t.Context(), "user_list", "by_id", map[string]any{"list": true})
	require.NoError(t, err)
	require.Equal(t, []string{"Alice", "Jane"}, names)

	stats := engine.Stats()
	require.EqualValues(t, 1, stats.CacheMisses)
	require.EqualValues(t, 1, stats.CacheHits)
}

func TestEngine_ClearCache(t *testing.T) {
	store := es.NewInMemoryStore()
	seedEvents(t, store)
	engine := newTestEngine(t, store)

	_, err := engine.QueryProjection(t.Context(), "user_list", "by_id", map[string]any{"list": true})
	require.NoError(t, err)

	t.Run("exact key", func(t *testing.T) {
		engine.ClearCache("user_list", "by_id")
		_, err := engine.QueryProjection(t.Context(), "user_list", "by_id", map[string]any{"list": true})
		require.NoError(t, err)
		require.EqualValues(t, 2, engine.Stats().CacheMisses)
	})

	t.Run("by type", func(t *testing.T) {
		engine.ClearCache("user_list", "")
		_, err := engine.QueryProjection(t.Context(), "user_list", "by_id", map[string]any{"list": true})
		require.NoError(t, err)
		require.EqualValues(t, 3, engine.Stats().CacheMisses)
	})

	t.Run("everything", func(t *testing.T) {
		engine.ClearCache("", "")
		_, err := engine.QueryProjection(t.Context(), "user_list", "by_id", map[string]any{"list": true})
		require.NoError(t, err)
		require.EqualValues(t, 4, engine.Stats().CacheMisses)
	})
}

func TestEngine_StrategyStop(t *testing.T) {
	store := es.NewInMemoryStore()
	seedEvents(t, store)
	engine := newTestEngine(t, store)
	require.NoError(t, engine.RegisterHandler(&userListHandler{failOn: map[string]bool{"e2": true}}))

	result, err := engine.ProjectEvents(t.Context(), Request{
		ProjectionType: "user_list",
		ProjectionName: "by_id",
		Strategy:       replay.StrategyStop,
	})
	require.NoError(t, err)
	require.Equal(t, replay.StatusFailed, result.Status)
	require.Equal(t, 1, result.EventsFailed)
	require.Nil(t, result.State)
}

func TestEngine_StrategySkip(t *testing.T) {
	store := es.NewInMemoryStore()
	seedEvents(t, store)
	engine := newTestEngine(t, store)
	require.NoError(t, engine.RegisterHandler(&userListHandler{failOn: map[string]bool{"e2": true}}))

	result, err := engine.ProjectEvents(t.Context(), Request{
		ProjectionType: "user_list",
		ProjectionName: "by_id",
		Strategy:       replay.StrategySkip,
	})
	require.NoError(t, err)
	require.Equal(t, replay.StatusCompleted, result.Status)
	require.Equal(t, 2, result.EventsProcessed)
	require.Equal(t, 1, result.EventsSkipped)
	require.JSONEq(t, `{"user-1":"Jane"}`, string(result.State))
}

func TestEngine_NoHandler(t *testing.T) {
	engine := newTestEngine(t, es.NewInMemoryStore())

	_, err := engine.ProjectEvents(t.Context(), Request{
		ProjectionType: "user_list",
		ProjectionName: "nope",
	})
	require.ErrorContains(t, err, "no projection handler registered for user_list:nope")

	engine.UnregisterHandler("user_list", "by_id")
	_, err = engine.QueryProjection(t.Context(), "user_list", "by_id", nil)
	require.ErrorContains(t, err, "no projection handler registered")
}

func TestEngine_Cancel(t *testing.T) {
	store := es.NewInMemoryStore()
	for i := 1; i <= 10; i++ {
		require.NoError(t, store.Append(t.Context(), es.Event{
			EventID:       fmt.Sprintf("e%d", i),
			AggregateID:   fmt.Sprintf("user-%d", i),
			AggregateType: "user",
			EventType:     "USER_CREATED",
			Version:       1,
			Data:          json.RawMessage(`{"name":"x"}`),
			Timestamp:     time.Now(),
		}))
	}
	engine := newTestEngine(t, store, func(c *Config) { c.ProgressInterval = 1 })

	result, err := engine.ProjectEvents(t.Context(), Request{
		ProjectionType: "user_list",
		ProjectionName: "by_id",
		OnProgress: func(p replay.Progress) {
			if p.EventsDone == 3 {
				require.NoError(t, engine.Cancel(p.ReplayID))
			}
		},
	})
	require.NoError(t, err)
	require.Equal(t, replay.StatusCancelled, result.Status)
	require.Equal(t, 3, result.EventsProcessed)

	require.ErrorIs(t, engine.Cancel(result.ProjectionID), ErrProjectionFinished)
	require.ErrorIs(t, engine.Cancel("nope"), ErrProjectionNotFound)
}

func TestEngine_Disabled(t *testing.T) {
	engine, err := NewEngine(Config{Enabled: false})
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	_, err = engine.ProjectEvents(t.Context(), Request{ProjectionType: "a", ProjectionName: "b"})
	require.ErrorIs(t, err, es.ErrFeatureDisabled)
	_, err = engine.QueryProjection(t.Context(), "a", "b", nil)
	require.ErrorIs(t, err, es.ErrFeatureDisabled)
	require.Equal(t, es.StatusDisabled, engine.Health(t.Context()).Status)
}

func TestEngine_Validation(t *testing.T) {
	engine := newTestEngine(t, es.NewInMemoryStore())

	_, err := engine.ProjectEvents(t.Context(), Request{ProjectionType: "user_list"})
	require.ErrorIs(t, err, es.ErrValidation)

	_, err = engine.ProjectEvents(t.Context(), Request{
		ProjectionType: "user_list", ProjectionName: "by_id", Strategy: "explode",
	})
	require.ErrorIs(t, err, es.ErrValidation)
}

func TestEngine_FinishedRunRetention(t *testing.T) {
	store := es.NewInMemoryStore()
	seedEvents(t, store)
	engine := newTestEngine(t, store, func(c *Config) { c.RetainFinished = 2 })

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		result, err := engine.ProjectEvents(t.Context(), Request{
			ProjectionType: "user_list",
			ProjectionName: "by_id",
		})
		require.NoError(t, err)
		ids = append(ids, result.ProjectionID)
	}

	// the oldest finished build is evicted, the newest two stay queryable
	_, err := engine.Status(ids[0])
	require.ErrorIs(t, err, ErrProjectionNotFound)
	for _, id := range ids[1:] {
		got, err := engine.Status(id)
		require.NoError(t, err)
		require.Equal(t, replay.StatusCompleted, got.Status)
	}
}

func TestEngine_ProgressEstimatesEnd(t *testing.T) {
	store := es.NewInMemoryStore()
	seedEvents(t, store)

	var progresses []replay.Progress
	engine := newTestEngine(t, store, func(c *Config) { c.ProgressInterval = 1 })
	_, err := engine.ProjectEvents(t.Context(), Request{
		ProjectionType: "user_list",
		ProjectionName: "by_id",
		OnProgress:     func(p replay.Progress) { progresses = append(progresses, p) },
	})
	require.NoError(t, err)
	require.Len(t, progresses, 3)

	// intermediate callbacks carry a rate-based completion estimate
	first := progresses[0]
	require.Equal(t, 1, first.EventsDone)
	require.Greater(t, first.EventsPerSecond, 0.0)
	require.NotNil(t, first.EstimatedEnd)

	last := progresses[len(progresses)-1]
	require.Equal(t, 3, last.EventsDone)
	require.Nil(t, last.EstimatedEnd)
	require.InDelta(t, 100.0, last.Percent, 0.01)
}
