package snapshot

import (
	"sync"
	"time"
)

// Stats holds the manager counters. Guarded by managerStats.mu:
// the counters are touched from request paths and the cleanup timer.
type Stats struct {
	Created       int64      `json:"created"`
	Skipped       int64      `json:"skipped"`
	Deleted       int64      `json:"deleted"`
	Failures      int64      `json:"failures"`
	Corrupt       int64      `json:"corrupt"`
	CleanupRuns   int64      `json:"cleanup_runs"`
	LastCleanupAt *time.Time `json:"last_cleanup_at,omitempty"`
}

type managerStats struct {
	mu   sync.Mutex
	data Stats
}

func (s *managerStats) inc(fn func(*Stats)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.data)
}

// Stats returns a point-in-time copy of the counters.
func (m *Manager) Stats() Stats {
	m.stats.mu.Lock()
	defer m.stats.mu.Unlock()
	return m.stats.data
}

func (m *Manager) ResetStats() {
	m.stats.mu.Lock()
	defer m.stats.mu.Unlock()
	m.stats.data = Stats{}
}
