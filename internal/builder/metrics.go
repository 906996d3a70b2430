package builder

import (
	"sync"
	"time"
)

// PassMetrics tracks build performance across passes.
type PassMetrics struct {
	mutex           sync.RWMutex
	totalBuilds     int64
	succeeded       int64
	failed          int64
	totalDuration   time.Duration
	averageDuration time.Duration
}

// PassMetricsSnapshot is a point-in-time copy of the counters.
type PassMetricsSnapshot struct {
	TotalBuilds     int64
	Succeeded       int64
	Failed          int64
	TotalDuration   time.Duration
	AverageDuration time.Duration
}

func (m *PassMetrics) recordSuccess(duration time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.totalBuilds++
	m.succeeded++
	m.record(duration)
}

func (m *PassMetrics) recordFailure(duration time.Duration) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.totalBuilds++
	m.failed++
	m.record(duration)
}

func (m *PassMetrics) record(duration time.Duration) {
	m.totalDuration += duration
	if m.totalBuilds > 0 {
		m.averageDuration = m.totalDuration / time.Duration(m.totalBuilds)
	}
}

// Snapshot returns a copy of the current counters.
func (m *PassMetrics) Snapshot() PassMetricsSnapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return PassMetricsSnapshot{
		TotalBuilds:     m.totalBuilds,
		Succeeded:       m.succeeded,
		Failed:          m.failed,
		TotalDuration:   m.totalDuration,
		AverageDuration: m.averageDuration,
	}
}
