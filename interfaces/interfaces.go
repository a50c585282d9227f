// Package interfaces defines the abstractions shared between the page service
// packages so each of them can be tested against fakes.
package interfaces

import (
	"context"
	"time"

	"github.com/giygas/mediract/medication"
	"github.com/giygas/mediract/selector"
)

// MedicationBackend is the search and interaction-check service.
// It is everything a selector page needs plus a liveness probe.
type MedicationBackend interface {
	SearchMedications(ctx context.Context, query string) ([]medication.Candidate, error)
	CheckInteractions(ctx context.Context, med medication.Candidate, current []medication.Candidate) (*medication.InteractionResponse, error)

	// Ping checks that the backend answers at all
	Ping(ctx context.Context) error
}

// SessionStore keeps one selector page per browser session
type SessionStore interface {
	// Get returns the page of a live session and marks it as used
	Get(id string) (*selector.Page, bool)

	// GetOrCreate returns the page for id, creating a new session when id is
	// unknown or expired. The returned id is the one to hand back to the client.
	GetOrCreate(id string) (string, *selector.Page, bool)

	// Touch marks a session as used without fetching its page. It reports
	// false when the session is gone.
	Touch(id string) bool

	// Sweep closes and drops sessions idle for longer than ttl
	Sweep(ttl time.Duration) int

	Len() int
}

// ProbeResult is the outcome of one backend liveness probe
type ProbeResult struct {
	At      time.Time
	Latency time.Duration
	Err     string
}

// OK reports whether the probe succeeded
func (p ProbeResult) OK() bool {
	return !p.At.IsZero() && p.Err == ""
}

// StatusStore holds the backend status observed by the probe job.
// Reads never block writers.
type StatusStore interface {
	GetLastProbe() ProbeResult
	GetLastSuccess() time.Time
	GetConsecutiveFailures() int64
	IsProbing() bool
	GetServerStartTime() time.Time

	RecordProbe(result ProbeResult)
	BeginProbe() bool
	EndProbe()
}

// Scheduler runs the periodic maintenance jobs
type Scheduler interface {
	// Lifecycle management
	Start() error
	Stop()
}

// HealthChecker reports the health of the page service and its backend
type HealthChecker interface {
	// HealthCheck returns the status, its details and the HTTP code to answer
	HealthCheck() (status string, details map[string]any, httpStatus int)
}
