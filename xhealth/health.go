package xhealth

import "time"

// HealthStatus mirrors the teacher's HealthStatus enum so subcore's
// HealthCheck-providing components (shm.Region, commit.Engine) report in
// the same shape an embedding application's aggregator already understands.
type HealthStatus int

const (
	Unknown HealthStatus = iota
	Healthy
	Degraded
	Unhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// HealthReport describes the health of one subcore component.
type HealthReport struct {
	Component string         `json:"component"`
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	CheckedAt time.Time      `json:"checkedAt"`
	Optional  bool           `json:"optional"`
	Details   map[string]any `json:"details,omitempty"`
}

// HealthProvider is implemented by components that can report their own
// health (shm.Region: mapped size and remap generation; commit.Engine:
// commit/abort/timeout counters; subreg.Manager: module and subscription
// counts).
type HealthProvider interface {
	HealthCheck() HealthReport
}
