package metrics

// nopHistogram is a no-op implementation of Histogram.
type nopHistogram struct{}

func (nopHistogram) Observe(float64) {}

// nopTimer is a no-op implementation of Timer.
type nopTimer struct{}

func (nopTimer) ObserveDuration() {}

// NopHistogram returns a no-op Histogram.
func NopHistogram() Histogram { return nopHistogram{} }

// NopTimer returns a no-op Timer.
func NopTimer() Timer { return nopTimer{} }
