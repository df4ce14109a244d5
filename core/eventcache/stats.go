package eventcache

import (
	"sync/atomic"
	"time"
)

type statsSet struct {
	hits          atomic.Int64
	misses        atomic.Int64
	puts          atomic.Int64
	invalidations atomic.Int64
	errors        atomic.Int64
	pruned        atomic.Int64
	lastPruneAt   atomic.Pointer[time.Time]
}

func newStatsSet() *statsSet { return &statsSet{} }

// Stats is a point-in-time copy of the cache counters.
type Stats struct {
	Hits          int64      `json:"hits"`
	Misses        int64      `json:"misses"`
	Puts          int64      `json:"puts"`
	Invalidations int64      `json:"invalidations"`
	Errors        int64      `json:"errors"`
	Pruned        int64      `json:"pruned"`
	LastPruneAt   *time.Time `json:"last_prune_at,omitempty"`
}

// HitRate returns hits/(hits+misses), or 0 with no lookups yet.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:          c.stats.hits.Load(),
		Misses:        c.stats.misses.Load(),
		Puts:          c.stats.puts.Load(),
		Invalidations: c.stats.invalidations.Load(),
		Errors:        c.stats.errors.Load(),
		Pruned:        c.stats.pruned.Load(),
		LastPruneAt:   c.stats.lastPruneAt.Load(),
	}
}

func (c *Cache) ResetStats() {
	c.stats.hits.Store(0)
	c.stats.misses.Store(0)
	c.stats.puts.Store(0)
	c.stats.invalidations.Store(0)
	c.stats.errors.Store(0)
	c.stats.pruned.Store(0)
	c.stats.lastPruneAt.Store(nil)
}
