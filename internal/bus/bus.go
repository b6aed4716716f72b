// Package bus implements a multi-producer, multi-consumer in-process
// broadcaster for Readings and Health events: a client registry guarded
// by a RWMutex, snapshotting clients before fanning out, with
// queue-depth sampling on every publish. Readings and Health need
// different overflow policies, so each topic gets its own publish path:
// drop-oldest for Readings, coalesce-per-device for Health.
package bus

import (
	"context"
	"sync"

	"github.com/grantwise/adam-acquisition/internal/metrics"
	"github.com/grantwise/adam-acquisition/internal/types"
)

// ReadingSub is a bounded subscriber queue for Readings.
type ReadingSub struct {
	Out       chan types.Reading
	Closed    chan struct{}
	closeOnce sync.Once
}

// Close signals the subscriber is gone; idempotent.
func (s *ReadingSub) Close() { s.closeOnce.Do(func() { close(s.Closed) }) }

// ReadingBus fans out Readings to every subscriber. On a full subscriber
// queue the oldest queued Reading is dropped to make room for the new
// one, preferring freshness over completeness.
type ReadingBus struct {
	mu      sync.RWMutex
	subs    map[*ReadingSub]struct{}
	bufSize int
}

// NewReadingBus creates a ReadingBus whose subscriber queues hold bufSize
// Readings before drop-oldest kicks in.
func NewReadingBus(bufSize int) *ReadingBus {
	if bufSize <= 0 {
		bufSize = 64
	}
	return &ReadingBus{subs: make(map[*ReadingSub]struct{}), bufSize: bufSize}
}

// Subscribe registers a new consumer.
func (b *ReadingBus) Subscribe() *ReadingSub {
	s := &ReadingSub{Out: make(chan types.Reading, b.bufSize), Closed: make(chan struct{})}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes and closes a consumer; safe to call multiple times.
func (b *ReadingBus) Unsubscribe(s *ReadingSub) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.Close()
}

func (b *ReadingBus) snapshot() []*ReadingSub {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*ReadingSub, 0, len(b.subs))
	for s := range b.subs {
		out = append(out, s)
	}
	return out
}

// Publish delivers r to every subscriber. Readings for one device must
// arrive at every subscriber in publish order, so Publish never spawns a
// goroutine per subscriber — a slow subscriber only loses its own
// oldest entry, it never blocks another subscriber's delivery.
func (b *ReadingBus) Publish(r types.Reading) {
	subs := b.snapshot()
	maxDepth := 0
	for _, s := range subs {
		select {
		case s.Out <- r:
		default:
			select {
			case <-s.Out:
				metrics.IncBusReadingDrop()
			default:
			}
			select {
			case s.Out <- r:
			default:
				metrics.IncBusReadingDrop()
			}
		}
		if l := len(s.Out); l > maxDepth {
			maxDepth = l
		}
	}
	metrics.BusReadingQueueDepth.Set(float64(maxDepth))
}

// Count reports the number of active subscribers.
func (b *ReadingBus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// HealthSub receives the latest DeviceHealth per device; a health event
// superseded by a newer one before it is read is coalesced away rather
// than queued.
type HealthSub struct {
	mu        sync.Mutex
	pending   map[string]types.DeviceHealth
	notify    chan struct{}
	Closed    chan struct{}
	closeOnce sync.Once
}

func newHealthSub() *HealthSub {
	return &HealthSub{
		pending: make(map[string]types.DeviceHealth),
		notify:  make(chan struct{}, 1),
		Closed:  make(chan struct{}),
	}
}

// Close signals the subscriber is gone; idempotent.
func (s *HealthSub) Close() { s.closeOnce.Do(func() { close(s.Closed) }) }

func (s *HealthSub) push(h types.DeviceHealth) {
	s.mu.Lock()
	_, superseded := s.pending[h.DeviceID]
	s.pending[h.DeviceID] = h
	s.mu.Unlock()
	if superseded {
		metrics.IncBusHealthCoalesced()
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Recv blocks until a coalesced health event is available, the
// subscriber is closed, or ctx is done. Each call drains exactly one
// device's latest health; callers that care about all devices should
// call Recv in a loop.
func (s *HealthSub) Recv(ctx context.Context) (types.DeviceHealth, bool) {
	for {
		s.mu.Lock()
		for id, h := range s.pending {
			delete(s.pending, id)
			s.mu.Unlock()
			return h, true
		}
		s.mu.Unlock()
		select {
		case <-s.notify:
		case <-s.Closed:
			return types.DeviceHealth{}, false
		case <-ctx.Done():
			return types.DeviceHealth{}, false
		}
	}
}

// HealthBus fans out DeviceHealth events with per-device coalescing.
type HealthBus struct {
	mu   sync.RWMutex
	subs map[*HealthSub]struct{}
}

// NewHealthBus creates an empty HealthBus.
func NewHealthBus() *HealthBus { return &HealthBus{subs: make(map[*HealthSub]struct{})} }

// Subscribe registers a new consumer.
func (b *HealthBus) Subscribe() *HealthSub {
	s := newHealthSub()
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes and closes a consumer; safe to call multiple times.
func (b *HealthBus) Unsubscribe(s *HealthSub) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.Close()
}

// Publish delivers h to every subscriber, coalescing with any not-yet-
// read event for the same device.
func (b *HealthBus) Publish(h types.DeviceHealth) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		s.push(h)
	}
}

// Count reports the number of active subscribers.
func (b *HealthBus) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
