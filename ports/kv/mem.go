package kv

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memEntry struct {
	entry     Entry
	expiresAt time.Time
}

func (m memEntry) expired(now time.Time) bool {
	return !m.expiresAt.IsZero() && now.After(m.expiresAt)
}

// MemStore is an in-memory Store honoring per-entry TTL. Expired entries
// are reported as absent on Get/Scan and physically removed lazily.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]memEntry
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string]memEntry{}}
}

func (m *MemStore) Put(_ context.Context, key string, entry Entry, opts PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	me := memEntry{entry: entry}
	if opts.TTL > 0 {
		me.expiresAt = time.Now().Add(opts.TTL)
	}
	m.data[key] = me
	return nil
}

func (m *MemStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	me, ok := m.data[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if me.expired(time.Now()) {
		delete(m.data, key)
		return Entry{}, ErrNotFound
	}
	return me.entry, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemStore) Scan(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	out := make([]string, 0)
	for k, me := range m.data {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if me.expired(now) {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// Len returns the number of live entries.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, me := range m.data {
		if !me.expired(now) {
			n++
		}
	}
	return n
}

var _ Store = (*MemStore)(nil)
