// Package ratetracker implements the per-(device,channel) sliding
// window rate computation, including counter-wrap detection and
// adjustment. A time-based window pruned on every insert bounds memory
// regardless of how callers are structured.
package ratetracker

import (
	"time"

	"github.com/grantwise/adam-acquisition/internal/types"
)

// Result is the outcome of inserting one new sample.
type Result struct {
	Rate     *float64 // nil until at least two comparable samples exist
	Overflow bool
}

// Tracker holds the ordered samples for one (device, channel) within a
// configured window. Created on first reading, pruned on each
// insertion, discarded on device removal — callers own the lifecycle
// by holding (or dropping) the Tracker value.
type Tracker struct {
	window  time.Duration
	width   uint // counter width in bits, for overflow detection
	samples []types.RateSample
}

// New creates a Tracker with the given sliding window (defaults to 60s
// if window <= 0) and counter width (defaults to 32).
func New(window time.Duration, width uint) *Tracker {
	if window <= 0 {
		window = 60 * time.Second
	}
	if width == 0 {
		width = 32
	}
	return &Tracker{window: window, width: width}
}

// Insert records a new (timestamp, value) sample and returns the
// updated rate. A counter wrap resets the window to the new sample
// alone: raw values on either side of a wrap are not on a comparable
// numeric scale without a running unwrap offset, so the pre-wrap sample
// is dropped and future rate computation anchors at the post-wrap
// sample.
func (t *Tracker) Insert(ts time.Time, value int64) Result {
	if len(t.samples) > 0 {
		prev := t.samples[len(t.samples)-1]
		if value < prev.RawValue {
			threshold := int64(0.5 * pow2(t.width))
			if prev.RawValue-value > threshold {
				dt := ts.Sub(prev.Timestamp).Seconds()
				t.samples = []types.RateSample{{Timestamp: ts, RawValue: value}}
				if dt <= 0 {
					return Result{Rate: nil, Overflow: true}
				}
				delta := pow2(t.width) - float64(prev.RawValue) + float64(value)
				rate := delta / dt
				return Result{Rate: &rate, Overflow: true}
			}
		}
	}

	t.samples = append(t.samples, types.RateSample{Timestamp: ts, RawValue: value})
	t.prune(ts)

	if len(t.samples) < 2 {
		return Result{Rate: nil, Overflow: false}
	}
	first := t.samples[0]
	last := t.samples[len(t.samples)-1]
	dt := last.Timestamp.Sub(first.Timestamp).Seconds()
	if dt <= 0 {
		return Result{Rate: nil, Overflow: false}
	}
	rate := float64(last.RawValue-first.RawValue) / dt
	return Result{Rate: &rate, Overflow: false}
}

func (t *Tracker) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	i := 0
	for i < len(t.samples) && t.samples[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		t.samples = append([]types.RateSample(nil), t.samples[i:]...)
	}
}

func pow2(n uint) float64 {
	v := 1.0
	for i := uint(0); i < n; i++ {
		v *= 2
	}
	return v
}
