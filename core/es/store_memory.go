package es

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// InMemoryStore is a simple, correct store for tests and examples. It
// enforces the gap-free version invariant per stream and supports the
// full query contract.
type InMemoryStore struct {
	mu      sync.RWMutex
	log     *slog.Logger
	streams map[string][]Event
	byID    map[string]Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		log:     slog.Default().With(slog.String("store", "memory")),
		streams: map[string][]Event{},
		byID:    map[string]Event{},
	}
}

func (s *InMemoryStore) Append(_ context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		sk         = event.StreamKey()
		stream     = s.streams[sk]
		curVersion Version
	)
	if len(stream) > 0 {
		curVersion = stream[len(stream)-1].Version
	}
	if event.Version != curVersion+1 {
		return ErrConcurrencyConflict
	}

	s.streams[sk] = append(stream, event)
	s.byID[event.EventID] = event

	s.log.Debug("append", event.LogAttrs())
	return nil
}

func (s *InMemoryStore) Query(_ context.Context, q EventQuery) ([]Event, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	if q.EventID != "" {
		if e, ok := s.byID[q.EventID]; ok && q.Matches(e) {
			out = append(out, e)
		}
		return out, nil
	}

	scan := func(events []Event) {
		for _, e := range events {
			if q.Matches(e) {
				out = append(out, e)
			}
		}
	}
	if q.AggregateID != "" && q.AggregateType != "" {
		scan(s.streams[StreamKey(q.AggregateType, q.AggregateID)])
	} else {
		for _, events := range s.streams {
			scan(events)
		}
	}

	SortEvents(out, q.OrderBy, q.Desc)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) Health(context.Context) Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Healthy().
		WithDetail("streams", len(s.streams)).
		WithDetail("events", len(s.byID))
}

// Len returns the total number of stored events.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// SortEvents orders events in place by the query sort key. Ties fall
// through to the other key and finally the event id, so cross-aggregate
// results order the same way regardless of input order.
func SortEvents(events []Event, by OrderBy, desc bool) {
	less := func(a, b Event) bool {
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.EventID < b.EventID
	}
	if by == OrderByTimestamp {
		less = func(a, b Event) bool {
			if !a.Timestamp.Equal(b.Timestamp) {
				return a.Timestamp.Before(b.Timestamp)
			}
			if a.Version != b.Version {
				return a.Version < b.Version
			}
			return a.EventID < b.EventID
		}
	}
	sort.SliceStable(events, func(i, j int) bool {
		if desc {
			return less(events[j], events[i])
		}
		return less(events[i], events[j])
	})
}

var _ EventStore = (*InMemoryStore)(nil)
