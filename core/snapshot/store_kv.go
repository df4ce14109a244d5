package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/evohq/sourcing-go/core/es"
	"github.com/evohq/sourcing-go/ports/kv"
)

const kvSnapshotPrefix = "snap:id:"

// KVStore persists snapshots in any key-value port implementation, one
// entry per snapshot id. Stream lookups scan the id namespace; the
// snapshot population is small by construction (retention keeps it
// bounded), so a scan per lookup is acceptable.
type KVStore struct {
	backend kv.Store
}

func NewKVStore(backend kv.Store) *KVStore {
	return &KVStore{backend: backend}
}

func (s *KVStore) key(snapshotID string) string {
	return kvSnapshotPrefix + snapshotID
}

func (s *KVStore) Save(ctx context.Context, snap *Snapshot) error {
	return kv.Put(ctx, s.backend, s.key(snap.SnapshotID), snap, kv.PutOptions{})
}

func (s *KVStore) Get(ctx context.Context, snapshotID string) (*Snapshot, error) {
	snap, err := kv.Get[Snapshot](ctx, s.backend, s.key(snapshotID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, err
	}
	return &snap, nil
}

func (s *KVStore) Latest(ctx context.Context, aggType, aggID string) (*Snapshot, error) {
	snaps, err := s.Query(ctx, Query{AggregateID: aggID, AggregateType: aggType, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrSnapshotNotFound
	}
	return snaps[0], nil
}

func (s *KVStore) Query(ctx context.Context, q Query) ([]*Snapshot, error) {
	keys, err := s.backend.Scan(ctx, kvSnapshotPrefix)
	if err != nil {
		return nil, fmt.Errorf("scan snapshots: %w", err)
	}

	out := make([]*Snapshot, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, kvSnapshotPrefix) {
			continue
		}
		snap, err := kv.Get[Snapshot](ctx, s.backend, key)
		if err != nil {
			// deleted or expired between scan and read
			continue
		}
		if q.Matches(&snap) {
			out = append(out, &snap)
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

func (s *KVStore) Delete(ctx context.Context, snapshotID string) error {
	if _, err := s.Get(ctx, snapshotID); err != nil {
		return err
	}
	return s.backend.Delete(ctx, s.key(snapshotID))
}

func (s *KVStore) Health(ctx context.Context) es.Health {
	keys, err := s.backend.Scan(ctx, kvSnapshotPrefix)
	if err != nil {
		return es.Unhealthy().WithDetail("error", err.Error())
	}
	return es.Healthy().WithDetail("snapshots", len(keys))
}

var _ Store = (*KVStore)(nil)
