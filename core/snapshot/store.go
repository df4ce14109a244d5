package snapshot

import (
	"context"
	"sort"
	"sync"

	"github.com/evohq/sourcing-go/core/es"
)

// Store persists snapshot records.
type Store interface {
	Save(ctx context.Context, s *Snapshot) error
	Get(ctx context.Context, snapshotID string) (*Snapshot, error)
	// Latest returns the snapshot with the highest aggregate version for
	// the stream, or ErrSnapshotNotFound.
	Latest(ctx context.Context, aggType, aggID string) (*Snapshot, error)
	// Query returns matching snapshots ordered by aggregate version
	// descending.
	Query(ctx context.Context, q Query) ([]*Snapshot, error)
	// Delete removes a snapshot; ErrSnapshotNotFound when the id does
	// not exist.
	Delete(ctx context.Context, snapshotID string) error
	Health(ctx context.Context) es.Health
}

// InMemoryStore is the reference Store for tests and examples.
type InMemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*Snapshot
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{byID: map[string]*Snapshot{}}
}

func (s *InMemoryStore) Save(_ context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.byID[snap.SnapshotID] = &cp
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, snapshotID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.byID[snapshotID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	cp := *snap
	return &cp, nil
}

func (s *InMemoryStore) Latest(_ context.Context, aggType, aggID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Snapshot
	for _, snap := range s.byID {
		if snap.AggregateType != aggType || snap.AggregateID != aggID {
			continue
		}
		if best == nil || snap.AggregateVersion > best.AggregateVersion {
			best = snap
		}
	}
	if best == nil {
		return nil, ErrSnapshotNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *InMemoryStore) Query(_ context.Context, q Query) ([]*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Snapshot, 0)
	for _, snap := range s.byID {
		if q.Matches(snap) {
			cp := *snap
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AggregateVersion > out[j].AggregateVersion
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) Delete(_ context.Context, snapshotID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[snapshotID]; !ok {
		return ErrSnapshotNotFound
	}
	delete(s.byID, snapshotID)
	return nil
}

func (s *InMemoryStore) Health(context.Context) es.Health {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return es.Healthy().WithDetail("snapshots", len(s.byID))
}

var _ Store = (*InMemoryStore)(nil)
