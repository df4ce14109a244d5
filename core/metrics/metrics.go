// Package metrics provides abstract metrics interfaces that allow pluggable
// instrumentation backends (Prometheus, StatsD, etc.) without coupling the
// core packages to any specific implementation.
package metrics

import "time"

// Histogram samples observations (e.g., request latencies) and counts them
// in configurable buckets.
type Histogram interface {
	// Observe adds a single observation to the histogram.
	Observe(value float64)
}

// Timer measures the duration of an operation. Call ObserveDuration when
// the operation completes to record the elapsed time.
type Timer interface {
	// ObserveDuration records the elapsed time since the timer was created.
	ObserveDuration()
}

// HistogramTimer returns a Timer recording into h on completion.
func HistogramTimer(h Histogram) Timer {
	return &histogramTimer{h: h, start: time.Now()}
}

type histogramTimer struct {
	h     Histogram
	start time.Time
}

func (t *histogramTimer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}
