package shm

import (
	"time"

	"github.com/sysrepo-go/subcore/xhealth"
)

// HealthCheck reports the region's mapped size and remap generation so an
// operator can see growth activity without attaching a debugger.
func (r *Region) HealthCheck() xhealth.HealthReport {
	r.mu.RLock()
	size := len(r.data)
	gen := r.generation
	path := r.path
	r.mu.RUnlock()

	return xhealth.HealthReport{
		Component: "shm." + path,
		Status:    xhealth.Healthy,
		CheckedAt: time.Now(),
		Details: map[string]any{
			"size_bytes": size,
			"generation": gen,
		},
	}
}
