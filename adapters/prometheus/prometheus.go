// Package prometheus provides the Prometheus implementation of the
// event-sourcing metrics interfaces.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/evohq/sourcing-go/core/metrics"
)

// newTimer starts a Timer recording into the given histogram.
// prometheus.Observer satisfies metrics.Histogram directly.
func newTimer(h prometheus.Observer) metrics.Timer {
	return metrics.HistogramTimer(h)
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}
