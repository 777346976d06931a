package core

import (
	"time"
)

// Component status values, ordered worst-first for aggregation.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// ComponentHealth is one component's derived health.
type ComponentHealth struct {
	Status       string        `json:"status"`
	ErrorRate    float64       `json:"error_rate,omitempty"`
	ResponseTime time.Duration `json:"response_time,omitempty"`
	Detail       string        `json:"detail,omitempty"`
}

// NetworkHealth reflects the RPC connection.
type NetworkHealth struct {
	Status    string        `json:"status"`
	Connected bool          `json:"connected"`
	Latency   time.Duration `json:"latency,omitempty"`
	LastPing  time.Time     `json:"last_ping,omitempty"`
}

// HealthStatus is derived on demand, never stored.
type HealthStatus struct {
	Overall   string                     `json:"overall"`
	Core      ComponentHealth            `json:"core"`
	Plugins   map[string]ComponentHealth `json:"plugins"`
	Network   NetworkHealth              `json:"network"`
	CheckedAt time.Time                  `json:"checked_at"`
}

// Healthy reports whether the overall status allows serving traffic.
func (h HealthStatus) Healthy() bool { return h.Overall != StatusUnhealthy }

// aggregate applies the overall rule: unhealthy when the core is unhealthy,
// the network is disconnected, or more than half the plugins are unhealthy;
// degraded when more than a fifth are unhealthy or the core/network is
// degraded; healthy otherwise.
func aggregate(core ComponentHealth, plugins map[string]ComponentHealth, network NetworkHealth) string {
	if core.Status == StatusUnhealthy || !network.Connected {
		return StatusUnhealthy
	}

	unhealthy := 0
	for _, p := range plugins {
		if p.Status == StatusUnhealthy {
			unhealthy++
		}
	}
	if n := len(plugins); n > 0 {
		frac := float64(unhealthy) / float64(n)
		if frac > 0.5 {
			return StatusUnhealthy
		}
		if frac > 0.2 {
			return StatusDegraded
		}
	}
	if core.Status == StatusDegraded || network.Status == StatusDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}
