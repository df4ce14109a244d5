package es

// HealthStatus is the coarse state a component reports via its health
// check.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusUnhealthy HealthStatus = "unhealthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusDisabled  HealthStatus = "disabled"
)

// Health is the structured result of a component health check.
type Health struct {
	Status  HealthStatus   `json:"status"`
	Details map[string]any `json:"details,omitempty"`
}

func Healthy() Health   { return Health{Status: StatusHealthy} }
func Disabled() Health  { return Health{Status: StatusDisabled} }
func Degraded() Health  { return Health{Status: StatusDegraded} }
func Unhealthy() Health { return Health{Status: StatusUnhealthy} }

// WithDetail returns a copy of h with the detail added.
func (h Health) WithDetail(key string, val any) Health {
	details := make(map[string]any, len(h.Details)+1)
	for k, v := range h.Details {
		details[k] = v
	}
	details[key] = val
	h.Details = details
	return h
}
