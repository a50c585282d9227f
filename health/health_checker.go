// Package health provides health checking functionality for the page service.
package health

import (
	"math"
	"net/http"
	"time"

	"github.com/giygas/mediract/interfaces"
)

// HealthCheckerImpl implements the interfaces.HealthChecker interface
type HealthCheckerImpl struct {
	status        interfaces.StatusStore
	sessions      interfaces.SessionStore
	probeInterval time.Duration
}

// NewHealthChecker creates a new health checker with injected dependencies.
// probeInterval is how often the backend is probed; a probe older than three
// intervals counts as stale.
func NewHealthChecker(status interfaces.StatusStore, sessions interfaces.SessionStore, probeInterval time.Duration) interfaces.HealthChecker {
	return &HealthCheckerImpl{
		status:        status,
		sessions:      sessions,
		probeInterval: probeInterval,
	}
}

// HealthCheck returns HTTP-specific health data
// Used by /health HTTP endpoint
func (h *HealthCheckerImpl) HealthCheck() (status string, data map[string]any, httpStatus int) {
	probe := h.status.GetLastProbe()
	lastSuccess := h.status.GetLastSuccess()
	failures := h.status.GetConsecutiveFailures()
	probeAge := time.Since(probe.At)

	switch {
	case probe.At.IsZero():
		// no probe yet, the page still serves
		status = "starting"
		httpStatus = http.StatusOK

	case !probe.OK():
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable

	case h.probeInterval > 0 && probeAge > 3*h.probeInterval && !h.status.IsProbing():
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable

	default:
		status = "healthy"
		httpStatus = http.StatusOK
	}

	backend := map[string]any{
		"reachable":            probe.OK(),
		"consecutive_failures": failures,
		"is_probing":           h.status.IsProbing(),
	}
	if !probe.At.IsZero() {
		backend["last_probe"] = probe.At.Format(time.RFC3339)
		backend["latency_ms"] = probe.Latency.Milliseconds()
	}
	if !lastSuccess.IsZero() {
		backend["last_success"] = lastSuccess.Format(time.RFC3339)
	}
	if probe.Err != "" {
		backend["error"] = probe.Err
	}

	data = map[string]any{
		"backend":         backend,
		"active_sessions": h.sessions.Len(),
	}
	if start := h.status.GetServerStartTime(); !start.IsZero() {
		data["uptime_hours"] = math.Round(time.Since(start).Hours()*10) / 10
	}

	return status, data, httpStatus
}
