package ratelimiter

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joeycumines/go-resilience/errs"
)

// SlidingWindowOptions configures a classic segmented-sliding-window
// ("leap-second") counter.
type SlidingWindowOptions struct {
	PermitLimit       uint32
	Window            time.Duration
	SegmentsPerWindow uint32
}

// Validate enforces the basic shape of a sliding window configuration.
func (o SlidingWindowOptions) Validate() error {
	if o.PermitLimit == 0 {
		return errs.NewInvalidConfiguration("permit_limit", "must be > 0")
	}
	if o.Window <= 0 {
		return errs.NewInvalidConfiguration("window", "must be > 0")
	}
	if o.SegmentsPerWindow == 0 {
		return errs.NewInvalidConfiguration("segments_per_window", "must be > 0")
	}
	return nil
}

// SlidingWindow divides Window into SegmentsPerWindow segments, counting
// permits per segment and sliding the boundary forward as segments age
// past the window.
type SlidingWindow struct {
	opts        SlidingWindowOptions
	segDuration time.Duration
	now         func() time.Time

	mu        sync.Mutex
	segments  []uint32
	head      int
	headStart time.Time
	totalUsed uint32
}

// NewSlidingWindow validates opts and constructs an empty window.
func NewSlidingWindow(opts SlidingWindowOptions, now func() time.Time) (*SlidingWindow, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	return &SlidingWindow{
		opts:        opts,
		segDuration: opts.Window / time.Duration(opts.SegmentsPerWindow),
		now:         now,
		segments:    make([]uint32, opts.SegmentsPerWindow),
		headStart:   now(),
	}, nil
}

// rotateLocked advances the head segment forward to the current time,
// clearing any segments that have aged out of the window.
func (sw *SlidingWindow) rotateLocked() {
	elapsed := sw.now().Sub(sw.headStart)
	if elapsed < sw.segDuration {
		return
	}
	steps := int64(elapsed / sw.segDuration)
	n := int64(len(sw.segments))
	if steps >= n {
		for i := range sw.segments {
			sw.totalUsed -= sw.segments[i]
			sw.segments[i] = 0
		}
		sw.head = 0
		sw.headStart = sw.now()
		return
	}
	for i := int64(0); i < steps; i++ {
		sw.head = (sw.head + 1) % len(sw.segments)
		sw.totalUsed -= sw.segments[sw.head]
		sw.segments[sw.head] = 0
	}
	sw.headStart = sw.headStart.Add(time.Duration(steps) * sw.segDuration)
}

// TryAcquire attempts to admit n permits.
func (sw *SlidingWindow) TryAcquire(n uint32) *Lease {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.rotateLocked()

	if sw.totalUsed+n > sw.opts.PermitLimit {
		return NewLease(false, map[string]any{"lease_id": uuid.NewString()}, nil)
	}

	sw.segments[sw.head] += n
	sw.totalUsed += n
	head := sw.head
	remaining := sw.opts.PermitLimit - sw.totalUsed

	return NewLease(true, map[string]any{
		"lease_id":          uuid.NewString(),
		"remaining_permits": remaining,
	}, func() {
		sw.mu.Lock()
		defer sw.mu.Unlock()
		// Best-effort rollback: only meaningful while the segment that
		// absorbed the permits hasn't rotated away yet, which holds for
		// the composite limiter's immediate-rollback use case.
		if sw.head == head && sw.segments[head] >= n {
			sw.segments[head] -= n
			sw.totalUsed -= n
		}
	})
}

// Used reports the total permits currently counted across all retained
// segments.
func (sw *SlidingWindow) Used() uint32 {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.rotateLocked()
	return sw.totalUsed
}
