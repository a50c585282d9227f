// Package data holds the process-wide backend status shared by the probe job
// and the health endpoint. Values are swapped atomically so readers never wait
// on a probe in progress.
package data

import (
	"sync/atomic"
	"time"

	"github.com/giygas/mediract/interfaces"
	"github.com/giygas/mediract/logging"
)

// Compile-time check to ensure StatusContainer implements StatusStore
var _ interfaces.StatusStore = (*StatusContainer)(nil)

// StatusContainer holds the latest probe outcome with atomic values
type StatusContainer struct {
	lastProbe           atomic.Value // interfaces.ProbeResult
	lastSuccess         atomic.Value // time.Time
	consecutiveFailures atomic.Int64
	probing             atomic.Bool
	serverStartTime     atomic.Value // time.Time
}

// NewStatusContainer creates a container with no probe recorded yet
func NewStatusContainer() *StatusContainer {
	sc := &StatusContainer{}
	sc.lastProbe.Store(interfaces.ProbeResult{})
	sc.lastSuccess.Store(time.Time{})
	sc.serverStartTime.Store(time.Time{})
	return sc
}

// GetLastProbe returns the most recent probe, zero if none ran yet
func (sc *StatusContainer) GetLastProbe() interfaces.ProbeResult {
	if v := sc.lastProbe.Load(); v != nil {
		if result, ok := v.(interfaces.ProbeResult); ok {
			return result
		}
	}

	logging.Warn("Could not get the last probe value")
	return interfaces.ProbeResult{}
}

// GetLastSuccess returns when the backend last answered a probe
func (sc *StatusContainer) GetLastSuccess() time.Time {
	if v := sc.lastSuccess.Load(); v != nil {
		if at, ok := v.(time.Time); ok {
			return at
		}
	}

	logging.Warn("Could not get the last success value")
	return time.Time{}
}

// GetConsecutiveFailures returns how many probes failed in a row
func (sc *StatusContainer) GetConsecutiveFailures() int64 {
	return sc.consecutiveFailures.Load()
}

// IsProbing returns true while a probe is running
func (sc *StatusContainer) IsProbing() bool {
	return sc.probing.Load()
}

// SetServerStartTime sets the server start time
func (sc *StatusContainer) SetServerStartTime(startTime time.Time) {
	sc.serverStartTime.Store(startTime)
}

// GetServerStartTime returns the server start time
func (sc *StatusContainer) GetServerStartTime() time.Time {
	if v := sc.serverStartTime.Load(); v != nil {
		if startTime, ok := v.(time.Time); ok {
			return startTime
		}
	}

	logging.Warn("Could not get the server start time value")
	return time.Time{}
}

// RecordProbe stores the outcome of a probe
func (sc *StatusContainer) RecordProbe(result interfaces.ProbeResult) {
	sc.lastProbe.Store(result)
	if result.OK() {
		sc.lastSuccess.Store(result.At)
		sc.consecutiveFailures.Store(0)
		return
	}
	sc.consecutiveFailures.Add(1)
}

// BeginProbe marks the start of a probe
// Returns true if the probe can proceed, false if another one is running
func (sc *StatusContainer) BeginProbe() bool {
	return sc.probing.CompareAndSwap(false, true)
}

// EndProbe marks the end of a probe
func (sc *StatusContainer) EndProbe() {
	sc.probing.Store(false)
}
