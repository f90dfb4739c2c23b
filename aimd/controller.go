// Package aimd implements the AIMD (Additive Increase / Multiplicative
// Decrease) controller (component C3): a periodic timer that reads the
// shared metrics window and publishes an adjusted concurrency limit.
package aimd

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/joeycumines/go-resilience/errs"
	"github.com/joeycumines/go-resilience/internal/numeric"
	"github.com/joeycumines/go-resilience/window"
)

// Config holds the AIMD-tunable parameter set, static after construction.
type Config struct {
	Min, Max               uint32
	Initial                uint32
	LatencyThreshold       time.Duration
	ErrorRateThreshold     float64
	AdditiveIncrease       uint32
	MultiplicativeDecrease float64 // must be in (0, 1)
	AdjustmentInterval     time.Duration
	MinSamples             int
}

// Validate enforces the invariants spec §7 requires to be caught
// synchronously at construction (InvalidConfiguration).
func (c Config) Validate() error {
	if c.Min > c.Max {
		return errs.NewInvalidConfiguration("min", "must be <= max")
	}
	if c.Initial < c.Min || c.Initial > c.Max {
		return errs.NewInvalidConfiguration("initial", "must be within [min, max]")
	}
	if c.MultiplicativeDecrease <= 0 || c.MultiplicativeDecrease >= 1 {
		return errs.NewInvalidConfiguration("multiplicative_decrease", "must be in (0, 1)")
	}
	if c.ErrorRateThreshold < 0 {
		return errs.NewInvalidConfiguration("error_rate_threshold", "must be >= 0")
	}
	if c.LatencyThreshold < 0 {
		return errs.NewInvalidConfiguration("latency_threshold", "must be >= 0")
	}
	if c.AdjustmentInterval <= 0 {
		return errs.NewInvalidConfiguration("adjustment_interval", "must be > 0")
	}
	if c.MinSamples < 0 {
		return errs.NewInvalidConfiguration("min_samples", "must be >= 0")
	}
	return nil
}

// Controller periodically reads a window.Window and publishes an adjusted
// concurrency limit, following the procedure in spec §4.3.
type Controller struct {
	cfg    Config
	window *window.Window
	logger *zerolog.Logger

	now       func() time.Time
	newTicker func(time.Duration) *time.Ticker

	limit            atomic.Uint32
	lastAdjustmentAt atomic.Int64 // UnixNano

	bus *bus

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Controller at construction time.
type Option func(*Controller)

// WithLogger attaches a zerolog logger used for adjustment tracing and to
// swallow-but-report panics from the adjustment loop, matching spec §4.3's
// "logged if a logger is plugged in". A nil logger (the default) disables
// logging entirely.
func WithLogger(logger *zerolog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithClock overrides the clock and ticker constructor, for deterministic
// tests, mirroring catrate's timeNow/timeNewTicker test seams.
func WithClock(now func() time.Time, newTicker func(time.Duration) *time.Ticker) Option {
	return func(c *Controller) {
		c.now = now
		c.newTicker = newTicker
	}
}

// New validates cfg and constructs a Controller reading win.
func New(cfg Config, win *window.Window, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		cfg:       cfg,
		window:    win,
		now:       time.Now,
		newTicker: time.NewTicker,
		bus:       newBus(),
		stopCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.limit.Store(cfg.Initial)
	c.lastAdjustmentAt.Store(c.now().UnixNano())
	return c, nil
}

// CurrentLimit returns the most recently published limit. Wait-free.
func (c *Controller) CurrentLimit() uint32 {
	return c.limit.Load()
}

// LastAdjustmentAt returns the time of the most recent accepted
// adjustment (or construction time, if none has occurred yet).
func (c *Controller) LastAdjustmentAt() time.Time {
	return time.Unix(0, c.lastAdjustmentAt.Load())
}

// Subscribe registers a listener for Adjustment events, returning a
// receive channel and an idempotent unsubscribe function.
func (c *Controller) Subscribe() (<-chan Adjustment, func()) {
	return c.bus.subscribe()
}

// Start launches the periodic adjustment timer. Safe to call once per
// Controller; Stop tears the timer down.
func (c *Controller) Start() {
	c.wg.Add(1)
	go c.run()
}

func (c *Controller) run() {
	defer c.wg.Done()
	ticker := c.newTicker(c.cfg.AdjustmentInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.safeAdjust()
		}
	}
}

// safeAdjust recovers from any panic during adjustment, per spec §4.3: the
// timer must keep running even if a single adjustment pass fails.
func (c *Controller) safeAdjust() {
	defer func() {
		if r := recover(); r != nil && c.logger != nil {
			c.logger.Error().Interface("panic", r).Msg("aimd: adjustment panicked, continuing")
		}
	}()
	c.Adjust()
}

// Adjust runs one adjustment pass immediately. Exported so tests (and
// callers that prefer to drive the loop manually, e.g. in lockstep with a
// fake clock) don't need to wait on the ticker.
func (c *Controller) Adjust() {
	snap := c.window.Snapshot()
	if snap.SampleCount < c.cfg.MinSamples {
		return
	}

	current := c.limit.Load()
	shouldDecrease := snap.AverageLatency > c.cfg.LatencyThreshold || snap.ErrorRate > c.cfg.ErrorRateThreshold

	var candidate float64
	if shouldDecrease {
		candidate = math.Ceil(float64(current) * c.cfg.MultiplicativeDecrease)
	} else {
		candidate = float64(current) + float64(c.cfg.AdditiveIncrease)
	}

	newLimit := numeric.Clamp(uint32(candidate), c.cfg.Min, c.cfg.Max)

	if newLimit == current {
		return
	}

	c.limit.Store(newLimit)
	c.lastAdjustmentAt.Store(c.now().UnixNano())

	if c.logger != nil {
		c.logger.Debug().
			Uint32("old_limit", current).
			Uint32("new_limit", newLimit).
			Dur("avg_latency", snap.AverageLatency).
			Float64("error_rate", snap.ErrorRate).
			Msg("aimd: limit adjusted")
	}

	c.bus.publish(Adjustment{
		ID:             uuid.NewString(),
		NewLimit:       newLimit,
		AverageLatency: snap.AverageLatency,
		ErrorRate:      snap.ErrorRate,
		SampleCount:    snap.SampleCount,
	})
}

// Stop halts the adjustment timer and waits for the loop goroutine to
// exit. Safe to call multiple times, and safe to call even if Start was
// never called.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}
