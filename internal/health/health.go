// Package health derives DeviceStatus from rolling failure/connection
// counters, keeps an EWMA latency estimate, and publishes DeviceHealth
// to the pipeline bus on every status transition and at a fixed
// heartbeat interval. A small mutex-guarded struct of rolling counters
// with a cheap read-only copy method, one instance per device.
package health

import (
	"sync"
	"time"

	"github.com/grantwise/adam-acquisition/internal/bus"
	"github.com/grantwise/adam-acquisition/internal/metrics"
	"github.com/grantwise/adam-acquisition/internal/types"
)

const latencyEWMAAlpha = 0.2

// Monitor tracks health for a single device and publishes DeviceHealth
// events. Safe for concurrent use; the owning DevicePoller calls
// RecordSuccess/RecordFailure/SetConnected from its single loop
// goroutine while Heartbeat may be driven by a separate ticker.
type Monitor struct {
	mu sync.Mutex

	deviceID          string
	activeProtocol    string
	maxRetries        int
	heartbeatInterval time.Duration
	bus               *bus.HealthBus

	status               types.DeviceStatus
	isConnected          bool
	consecutiveFailures  int
	totalReads           uint64
	successfulReads      uint64
	lastError            string
	hasLastSuccess       bool
	lastSuccessAt        time.Time
	avgLatencyMS         *float64
	lastHeartbeatAt      time.Time
}

// NewMonitor creates a Monitor in the Unknown status; the owner must
// call Start to emit the initial health event before any other work
// happens, rather than publishing health fire-and-forget from the
// constructor.
func NewMonitor(deviceID, activeProtocol string, maxRetries int, heartbeatInterval time.Duration, b *bus.HealthBus) *Monitor {
	return &Monitor{
		deviceID:          deviceID,
		activeProtocol:    activeProtocol,
		maxRetries:        maxRetries,
		heartbeatInterval: heartbeatInterval,
		bus:               b,
		status:            types.Unknown,
	}
}

// Start emits the initial DeviceHealth event and returns it. Callers
// must not begin polling before Start returns.
func (m *Monitor) Start(now time.Time) types.DeviceHealth {
	m.mu.Lock()
	m.status = types.Offline
	h := m.snapshotLocked(now)
	m.lastHeartbeatAt = now
	m.mu.Unlock()
	m.publish(h)
	return h
}

// SetConnected updates connection state and re-derives status,
// publishing on transition.
func (m *Monitor) SetConnected(now time.Time, connected bool) {
	m.mu.Lock()
	m.isConnected = connected
	changed, h := m.deriveLocked(now)
	m.mu.Unlock()
	if changed {
		m.publish(h)
	}
}

// RecordSuccess records one successful read at latency and re-derives
// status, publishing on transition.
func (m *Monitor) RecordSuccess(now time.Time, latency time.Duration) {
	m.mu.Lock()
	m.totalReads++
	m.successfulReads++
	m.consecutiveFailures = 0
	m.hasLastSuccess = true
	m.lastSuccessAt = now
	m.isConnected = true
	ms := float64(latency) / float64(time.Millisecond)
	if m.avgLatencyMS == nil {
		m.avgLatencyMS = &ms
	} else {
		updated := latencyEWMAAlpha*ms + (1-latencyEWMAAlpha)*(*m.avgLatencyMS)
		m.avgLatencyMS = &updated
	}
	changed, h := m.deriveLocked(now)
	m.mu.Unlock()
	if changed {
		m.publish(h)
	}
}

// RecordFailure records one failed read and re-derives status,
// publishing on transition.
func (m *Monitor) RecordFailure(now time.Time, errMsg string) {
	m.mu.Lock()
	m.totalReads++
	m.consecutiveFailures++
	m.lastError = errMsg
	changed, h := m.deriveLocked(now)
	m.mu.Unlock()
	if changed {
		m.publish(h)
	}
}

// Heartbeat emits a DeviceHealth event if heartbeatInterval has elapsed
// since the last emission, regardless of whether status changed.
func (m *Monitor) Heartbeat(now time.Time) {
	m.mu.Lock()
	if now.Sub(m.lastHeartbeatAt) < m.heartbeatInterval {
		m.mu.Unlock()
		return
	}
	h := m.snapshotLocked(now)
	m.lastHeartbeatAt = now
	m.mu.Unlock()
	m.publish(h)
}

// Snapshot returns the current DeviceHealth without publishing.
func (m *Monitor) Snapshot(now time.Time) types.DeviceHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked(now)
}

// deriveLocked re-applies the status derivation rule and reports
// whether status changed.
func (m *Monitor) deriveLocked(now time.Time) (bool, types.DeviceHealth) {
	prev := m.status
	switch {
	case !m.isConnected:
		m.status = types.Offline
	case m.consecutiveFailures >= m.maxRetries:
		m.status = types.Error
	case m.consecutiveFailures > 0:
		m.status = types.Warning
	default:
		m.status = types.Online
	}
	metrics.SetDeviceStatus(m.deviceID, m.status.String())
	metrics.DeviceConsecutiveFailures.WithLabelValues(m.deviceID).Set(float64(m.consecutiveFailures))
	if m.avgLatencyMS != nil {
		metrics.DeviceLatencyMS.WithLabelValues(m.deviceID).Set(*m.avgLatencyMS)
	}
	if prev != m.status {
		m.lastHeartbeatAt = now
		return true, m.snapshotLocked(now)
	}
	return false, types.DeviceHealth{}
}

func (m *Monitor) snapshotLocked(now time.Time) types.DeviceHealth {
	var age *time.Duration
	if m.hasLastSuccess {
		d := now.Sub(m.lastSuccessAt)
		age = &d
	}
	return types.DeviceHealth{
		DeviceID:              m.deviceID,
		Timestamp:              now,
		Status:                 m.status,
		IsConnected:            m.isConnected,
		LastSuccessfulReadAge:  age,
		ConsecutiveFailures:    m.consecutiveFailures,
		AvgLatencyMS:           m.avgLatencyMS,
		LastError:              m.lastError,
		TotalReads:             m.totalReads,
		SuccessfulReads:        m.successfulReads,
		ActiveProtocol:         m.activeProtocol,
	}
}

func (m *Monitor) publish(h types.DeviceHealth) {
	if m.bus != nil {
		m.bus.Publish(h)
	}
}
