// Package window implements the fixed-capacity sliding sample log shared by
// the adaptive bulkhead and the composite rate limiter (component C1 of the
// resilience policy core): a bounded FIFO of (timestamp, latency, is_error)
// samples with an O(1) summary and a recency-weighted success-rate EMA.
package window

import (
	"sync"
	"time"
)

// Sample is one recorded outcome.
type Sample struct {
	At      time.Time
	Latency time.Duration
	IsError bool
}

// Snapshot is the derived, immutable summary of a Window's current
// contents at the instant Snapshot was called.
type Snapshot struct {
	SampleCount    int
	AverageLatency time.Duration
	ErrorRate      float64
}

// Window is a bounded FIFO sample log of at most Size entries. All
// mutations are serialized by a single mutex; Snapshot and WeightedEMA read
// under the same lock so summaries are always consistent with a single
// instant of the window's contents.
type Window struct {
	now func() time.Time

	mu      sync.Mutex
	buf     *ring[Sample]
	latSum  time.Duration
	errSum  int
}

// New creates a Window retaining at most size samples. size must be
// positive.
func New(size int) *Window {
	return &Window{
		now: time.Now,
		buf: newRing[Sample](size),
	}
}

// WithClock overrides the clock used to timestamp recorded samples;
// intended for deterministic tests, mirroring the timeNow package var
// catrate uses for the same purpose.
func (w *Window) WithClock(now func() time.Time) *Window {
	w.now = now
	return w
}

// Record appends a sample tagged with the current time, evicting the
// oldest sample first if the window is already at capacity.
func (w *Window) Record(latency time.Duration, isError bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := Sample{At: w.now(), Latency: latency, IsError: isError}
	w.latSum += latency
	if isError {
		w.errSum++
	}

	if evicted, ok := w.buf.PushEvict(s); ok {
		w.latSum -= evicted.Latency
		if evicted.IsError {
			w.errSum--
		}
	}
}

// Snapshot returns the count, mean latency, and error fraction across the
// currently retained samples. An empty window yields the zero Snapshot.
func (w *Window) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

func (w *Window) snapshotLocked() Snapshot {
	n := w.buf.Len()
	if n == 0 {
		return Snapshot{}
	}
	return Snapshot{
		SampleCount:    n,
		AverageLatency: w.latSum / time.Duration(n),
		ErrorRate:      float64(w.errSum) / float64(n),
	}
}

// Size reports the number of samples currently retained.
func (w *Window) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Len()
}

// Cap reports the configured window capacity.
func (w *Window) Cap() int {
	return w.buf.Cap()
}

// neutralSuccessRate is returned by WeightedEMA when the window holds no
// samples falling within the most recent 50% of the configured wall-clock
// span.
const neutralSuccessRate = 0.5

// WeightedEMA computes a success rate weighted 60% by samples within the
// most recent 25% of span and 40% by the most recent 50% of span, measured
// back from the window's clock. An empty contributing set returns the
// neutral value 0.5, per spec.
func (w *Window) WeightedEMA(span time.Duration) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.buf.Len()
	if n == 0 {
		return neutralSuccessRate
	}

	now := w.now()
	recentBoundary := now.Add(-span / 4)
	midBoundary := now.Add(-span / 2)

	var recentTotal, recentSuccess, midTotal, midSuccess int
	w.buf.Do(func(_ int, s Sample) bool {
		if !s.At.Before(recentBoundary) {
			recentTotal++
			if !s.IsError {
				recentSuccess++
			}
		}
		if !s.At.Before(midBoundary) {
			midTotal++
			if !s.IsError {
				midSuccess++
			}
		}
		return true
	})

	recentRate := neutralSuccessRate
	if recentTotal > 0 {
		recentRate = float64(recentSuccess) / float64(recentTotal)
	}
	midRate := neutralSuccessRate
	if midTotal > 0 {
		midRate = float64(midSuccess) / float64(midTotal)
	}

	if recentTotal == 0 && midTotal == 0 {
		return neutralSuccessRate
	}

	return 0.6*recentRate + 0.4*midRate
}
