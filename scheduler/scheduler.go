// Package scheduler runs the periodic maintenance jobs of the page service:
// probing the medication backend and expiring idle sessions.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/giygas/mediract/config"
	"github.com/giygas/mediract/interfaces"
	"github.com/giygas/mediract/logging"
	"github.com/go-co-op/gocron"
)

// failureWarnThreshold is the number of failed probes in a row before the
// backend outage is logged at warn level
const failureWarnThreshold = 3

// Compile-time check to ensure Scheduler implements Scheduler interface
var _ interfaces.Scheduler = (*Scheduler)(nil)

// Scheduler owns the gocron jobs
type Scheduler struct {
	status   interfaces.StatusStore
	sessions interfaces.SessionStore
	backend  interfaces.MedicationBackend

	probeInterval time.Duration
	probeTimeout  time.Duration
	sweepInterval time.Duration
	sessionTTL    time.Duration

	scheduler *gocron.Scheduler
}

// NewScheduler creates a scheduler with injected dependencies
func NewScheduler(cfg *config.Config, status interfaces.StatusStore, sessions interfaces.SessionStore, backend interfaces.MedicationBackend) *Scheduler {
	s := gocron.NewScheduler(time.Local)
	s.SingletonModeAll()

	return &Scheduler{
		status:        status,
		sessions:      sessions,
		backend:       backend,
		probeInterval: cfg.BackendProbeInterval,
		probeTimeout:  cfg.BackendTimeout,
		sweepInterval: cfg.SessionSweepInterval,
		sessionTTL:    cfg.SessionTTL,
		scheduler:     s,
	}
}

// Start registers the jobs and runs them in the background. The backend
// probe runs once right away so /health has data from the start.
func (s *Scheduler) Start() error {
	if _, err := s.scheduler.Every(s.probeInterval).Do(s.ProbeBackend); err != nil {
		logging.Error("Failed to schedule backend probe", "error", err)
		return fmt.Errorf("failed to schedule backend probe: %w", err)
	}

	if _, err := s.scheduler.Every(s.sweepInterval).WaitForSchedule().Do(s.SweepSessions); err != nil {
		logging.Error("Failed to schedule session sweep", "error", err)
		return fmt.Errorf("failed to schedule session sweep: %w", err)
	}

	s.scheduler.StartAsync()
	logging.Info("Scheduler started",
		"probe_interval", s.probeInterval.String(),
		"sweep_interval", s.sweepInterval.String(),
		"session_ttl", s.sessionTTL.String())

	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	s.scheduler.Stop()
}

// ProbeBackend pings the backend root and records the outcome
func (s *Scheduler) ProbeBackend() {
	// Prevent overlapping probes
	if !s.status.BeginProbe() {
		logging.Debug("Backend probe already in progress, skipping...")
		return
	}
	defer s.status.EndProbe()

	ctx, cancel := context.WithTimeout(context.Background(), s.probeTimeout)
	defer cancel()

	start := time.Now()
	err := s.backend.Ping(ctx)
	result := interfaces.ProbeResult{At: start, Latency: time.Since(start)}
	if err != nil {
		result.Err = err.Error()
	}
	s.status.RecordProbe(result)

	switch failures := s.status.GetConsecutiveFailures(); {
	case err == nil:
		logging.Debug("Backend probe succeeded", "latency_ms", result.Latency.Milliseconds())
	case failures >= failureWarnThreshold:
		logging.Warn("Medication backend unreachable",
			"consecutive_failures", failures,
			"last_success", s.status.GetLastSuccess().Format(time.RFC3339),
			"error", err)
	default:
		logging.Info("Backend probe failed", "consecutive_failures", failures, "error", err)
	}
}

// SweepSessions drops sessions idle for longer than the session TTL
func (s *Scheduler) SweepSessions() {
	start := time.Now()
	removed := s.sessions.Sweep(s.sessionTTL)
	if removed > 0 {
		logging.Info("Expired idle sessions",
			"removed", removed,
			"remaining", s.sessions.Len(),
			"duration", time.Since(start).String())
	}
}
