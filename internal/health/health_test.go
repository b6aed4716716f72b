package health

import (
	"context"
	"testing"
	"time"

	"github.com/grantwise/adam-acquisition/internal/bus"
	"github.com/grantwise/adam-acquisition/internal/types"
)

func recvHealth(t *testing.T, s *bus.HealthSub) types.DeviceHealth {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	h, ok := s.Recv(ctx)
	if !ok {
		t.Fatalf("expected a health event")
	}
	return h
}

func TestStartEmitsOfflineEvent(t *testing.T) {
	b := bus.NewHealthBus()
	s := b.Subscribe()
	defer b.Unsubscribe(s)

	m := NewMonitor("d1", "modbus-tcp", 3, time.Minute, b)
	now := time.Now()
	h := m.Start(now)

	if h.Status != types.Offline {
		t.Fatalf("expected initial status Offline, got %v", h.Status)
	}
	got := recvHealth(t, s)
	if got.DeviceID != "d1" || got.Status != types.Offline {
		t.Fatalf("unexpected published event: %+v", got)
	}
}

func TestRecordSuccessTransitionsToOnline(t *testing.T) {
	b := bus.NewHealthBus()
	s := b.Subscribe()
	defer b.Unsubscribe(s)

	m := NewMonitor("d1", "modbus-tcp", 3, time.Minute, b)
	now := time.Now()
	m.Start(now)
	recvHealth(t, s) // drain the initial Offline event

	m.RecordSuccess(now.Add(time.Second), 50*time.Millisecond)

	got := recvHealth(t, s)
	if got.Status != types.Online {
		t.Fatalf("expected Online after a successful read, got %v", got.Status)
	}
	if got.AvgLatencyMS == nil || *got.AvgLatencyMS != 50 {
		t.Fatalf("expected avg latency 50ms seeded from the first sample, got %v", got.AvgLatencyMS)
	}
}

func TestRecordFailureEscalatesThroughWarningToError(t *testing.T) {
	b := bus.NewHealthBus()
	s := b.Subscribe()
	defer b.Unsubscribe(s)

	m := NewMonitor("d1", "modbus-tcp", 3, time.Minute, b)
	now := time.Now()
	m.Start(now)
	recvHealth(t, s)
	m.RecordSuccess(now, 10*time.Millisecond)
	recvHealth(t, s) // Offline -> Online

	m.RecordFailure(now.Add(time.Second), "timeout")
	if got := recvHealth(t, s); got.Status != types.Warning {
		t.Fatalf("expected Warning after first failure, got %v", got.Status)
	}

	m.RecordFailure(now.Add(2*time.Second), "timeout")
	m.RecordFailure(now.Add(3*time.Second), "timeout") // 3rd consecutive failure == maxRetries
	if got := recvHealth(t, s); got.Status != types.Error {
		t.Fatalf("expected Error once consecutive failures reach max_retry_attempts, got %v", got.Status)
	}
}

func TestRecordSuccessResetsConsecutiveFailures(t *testing.T) {
	b := bus.NewHealthBus()
	m := NewMonitor("d1", "modbus-tcp", 3, time.Minute, b)
	now := time.Now()
	m.Start(now)
	m.RecordFailure(now, "err")
	m.RecordFailure(now, "err")
	m.RecordSuccess(now, 5*time.Millisecond)

	h := m.Snapshot(now)
	if h.ConsecutiveFailures != 0 {
		t.Fatalf("expected consecutive failures reset to 0, got %d", h.ConsecutiveFailures)
	}
	if h.Status != types.Online {
		t.Fatalf("expected Online after a success resets failures, got %v", h.Status)
	}
}

func TestSetConnectedFalseForcesOffline(t *testing.T) {
	b := bus.NewHealthBus()
	s := b.Subscribe()
	defer b.Unsubscribe(s)

	m := NewMonitor("d1", "modbus-tcp", 3, time.Minute, b)
	now := time.Now()
	m.Start(now)
	recvHealth(t, s)
	m.RecordSuccess(now, 10*time.Millisecond)
	recvHealth(t, s)

	m.SetConnected(now.Add(time.Second), false)
	got := recvHealth(t, s)
	if got.Status != types.Offline {
		t.Fatalf("expected Offline when disconnected regardless of failure count, got %v", got.Status)
	}
}

func TestHeartbeatRespectsInterval(t *testing.T) {
	b := bus.NewHealthBus()
	s := b.Subscribe()
	defer b.Unsubscribe(s)

	m := NewMonitor("d1", "modbus-tcp", 3, time.Second, b)
	now := time.Now()
	m.Start(now)
	recvHealth(t, s)

	m.Heartbeat(now.Add(100 * time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := s.Recv(ctx); ok {
		t.Fatalf("heartbeat fired before its interval elapsed")
	}

	m.Heartbeat(now.Add(2 * time.Second))
	got := recvHealth(t, s)
	if got.DeviceID != "d1" {
		t.Fatalf("expected a heartbeat event, got %+v", got)
	}
}

func TestSnapshotDoesNotPublish(t *testing.T) {
	b := bus.NewHealthBus()
	s := b.Subscribe()
	defer b.Unsubscribe(s)

	m := NewMonitor("d1", "modbus-tcp", 3, time.Minute, b)
	now := time.Now()
	m.Start(now)
	recvHealth(t, s)

	_ = m.Snapshot(now.Add(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := s.Recv(ctx); ok {
		t.Fatalf("Snapshot must not publish a health event")
	}
}
