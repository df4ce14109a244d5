package sourcing

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of the service's rolling counters.
type Stats struct {
	EventsStored int64 `json:"events_stored"`
	EventsFailed int64 `json:"events_failed"`

	Reads       int64   `json:"reads"`
	CacheHits   int64   `json:"cache_hits"`
	CacheMisses int64   `json:"cache_misses"`
	HitRate     float64 `json:"hit_rate"`

	// Store latency over all successful writes.
	AvgLatency time.Duration `json:"avg_latency"`
	MinLatency time.Duration `json:"min_latency"`
	MaxLatency time.Duration `json:"max_latency"`

	// EventsByType counts stored events per event type.
	EventsByType map[string]int64 `json:"events_by_type"`
}

type serviceStats struct {
	mu sync.Mutex

	eventsStored int64
	eventsFailed int64
	reads        int64
	cacheHits    int64
	cacheMisses  int64

	latencySum time.Duration
	latencyMin time.Duration
	latencyMax time.Duration

	byType map[string]int64
}

func newServiceStats() *serviceStats {
	return &serviceStats{byType: map[string]int64{}}
}

func (s *serviceStats) recordStore(eventType string, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventsStored++
	s.byType[eventType]++
	s.latencySum += elapsed
	if s.latencyMin == 0 || elapsed < s.latencyMin {
		s.latencyMin = elapsed
	}
	if elapsed > s.latencyMax {
		s.latencyMax = elapsed
	}
}

func (s *serviceStats) recordFailure(eventType string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventsFailed++
}

func (s *serviceStats) recordRead(hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads++
	if hit {
		s.cacheHits++
	} else {
		s.cacheMisses++
	}
}

func (s *serviceStats) snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := Stats{
		EventsStored: s.eventsStored,
		EventsFailed: s.eventsFailed,
		Reads:        s.reads,
		CacheHits:    s.cacheHits,
		CacheMisses:  s.cacheMisses,
		MinLatency:   s.latencyMin,
		MaxLatency:   s.latencyMax,
		EventsByType: make(map[string]int64, len(s.byType)),
	}
	for k, v := range s.byType {
		out.EventsByType[k] = v
	}
	if s.reads > 0 {
		out.HitRate = float64(s.cacheHits) / float64(s.reads)
	}
	if s.eventsStored > 0 {
		out.AvgLatency = s.latencySum / time.Duration(s.eventsStored)
	}
	return out
}

func (s *serviceStats) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventsStored = 0
	s.eventsFailed = 0
	s.reads = 0
	s.cacheHits = 0
	s.cacheMisses = 0
	s.latencySum = 0
	s.latencyMin = 0
	s.latencyMax = 0
	s.byType = map[string]int64{}
}
