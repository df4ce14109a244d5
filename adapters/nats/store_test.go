package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/evohq/sourcing-go/core/es"
)

func newTestStore(t *testing.T) *EventStore {
	connectNatsC := NewTestContainer(t)
	store, err := NewEventStore(EventStoreConfig{
		Connect:       connectNatsC,
		Log:           slog.Default(),
		SubjectPrefix: "evo.tenant-1",
		MaxMsgs:       10_000,
	})
	require.NoError(t, err)
	require.NotNil(t, store)
	t.Cleanup(func() { require.NoError(t, store.Close()) })
	return store
}

func testEvent(aggID string, version es.Version, name string) es.Event {
	return es.Event{
		EventID:       uuid.NewString(),
		AggregateID:   aggID,
		AggregateType: "user",
		EventType:     "USER_UPDATED",
		Version:       version,
		Status:        es.StatusCompleted,
		Data:          json.RawMessage(fmt.Sprintf(`{"name":%q}`, name)),
		Timestamp:     time.Now(),
	}
}

func TestEventStore(t *testing.T) {
	store := newTestStore(t)

	require.Equal(t, "evo.tenant-1.user.u-1", store.subjectForAggregate("user", "u-1"))

	t.Run("stream info", func(t *testing.T) {
		si, err := store.stream.Info(t.Context())
		require.NoError(t, err)
		require.Equal(t, "EVO_ES", si.Config.Name)
		require.Equal(t, []string{"evo.tenant-1.>"}, si.Config.Subjects)
	})

	t.Run("append and query", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			require.NoError(t, store.Append(t.Context(), testEvent("u-1", es.Version(i), fmt.Sprintf("v%d", i))))
		}

		events, err := store.Query(t.Context(), es.EventQuery{
			AggregateID:   "u-1",
			AggregateType: "user",
		})
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, ev := range events {
			require.Equal(t, es.Version(i+1), ev.Version)
		}
	})

	t.Run("version gap rejected", func(t *testing.T) {
		err := store.Append(t.Context(), testEvent("u-1", 7, "gap"))
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)
	})

	t.Run("query filters", func(t *testing.T) {
		order := testEvent("o-1", 1, "x")
		order.AggregateType = "order"
		order.EventType = "ORDER_PLACED"
		require.NoError(t, store.Append(t.Context(), order))

		events, err := store.Query(t.Context(), es.EventQuery{EventType: "ORDER_PLACED"})
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, "o-1", events[0].AggregateID)

		events, err = store.Query(t.Context(), es.EventQuery{
			AggregateID:   "u-1",
			AggregateType: "user",
			FromVersion:   2,
			Desc:          true,
			Limit:         1,
		})
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, es.Version(3), events[0].Version)
	})

	t.Run("empty stream", func(t *testing.T) {
		events, err := store.Query(t.Context(), es.EventQuery{
			AggregateID:   "ghost",
			AggregateType: "user",
		})
		require.NoError(t, err)
		require.Empty(t, events)
	})

	t.Run("health", func(t *testing.T) {
		require.Equal(t, es.StatusHealthy, store.Health(t.Context()).Status)
	})
}

func TestNotifier(t *testing.T) {
	connectNats := NewTestContainer(t)
	notifier, err := NewNotifier(NotifierConfig{Connect: connectNats})
	require.NoError(t, err)
	t.Cleanup(notifier.Close)

	nc, closeNc, err := connectNats()
	require.NoError(t, err)
	t.Cleanup(closeNc)

	sub, err := nc.SubscribeSync("evo.notify.eventsourcing.>")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	notifier.Notify(t.Context(), es.NewNotification(es.SubjectEventSourcing, "USER_CREATED", map[string]any{
		"aggregate_id": "u-1",
	}))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "evo.notify.eventsourcing.USER_CREATED", msg.Subject)

	var n es.Notification
	require.NoError(t, json.Unmarshal(msg.Data, &n))
	require.Equal(t, "eventsourcing.USER_CREATED", n.Subject)
	require.Equal(t, "u-1", n.Payload["aggregate_id"])
}

func TestSnapshotStore(t *testing.T) {
	connectNats := NewTestContainer(t)
	store, err := NewSnapshotStore(KVConfig{Bucket: "snapshots", Connect: connectNats})
	require.NoError(t, err)
	require.Equal(t, es.StatusHealthy, store.Health(t.Context()).Status)
}
