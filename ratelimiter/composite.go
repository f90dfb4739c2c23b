package ratelimiter

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/joeycumines/go-resilience/errs"
	"github.com/joeycumines/go-resilience/internal/numeric"
	"github.com/joeycumines/go-resilience/window"
)

// minDataPointsForUpdate mirrors spec §4.5's MinDataPointsForUpdate: the
// adaptive loop is skipped until at least this many outcomes have been
// observed.
const minDataPointsForUpdate = 10

// rebuildThreshold is the 10% relative-change gate spec §4.5 requires
// before a sub-limiter is actually rebuilt.
const rebuildThreshold = 0.10

// CompositeOptions configures the composite rate limiter and its
// adaptive loop.
type CompositeOptions struct {
	TokenBucket   TokenBucketOptions
	SlidingWindow SlidingWindowOptions

	HighThreshold float64
	LowThreshold  float64
	IncreaseMul   float64
	DecreaseMul   float64

	MinTokens          uint32
	MaxTokens          uint32
	MaxTokensPerPeriod uint32

	MinPermits uint32
	MaxPermits uint32

	// WindowSize bounds the outcome window (component C1) feeding the
	// weighted EMA.
	WindowSize int
	// EMASpan is the wall-clock span the weighted EMA's 60/40 recency
	// split is measured against.
	EMASpan time.Duration

	Logger *zerolog.Logger
}

// Validate enforces the invariants spec §7 requires to be caught
// synchronously at construction (InvalidConfiguration), mirroring
// aimd.Config.Validate's checks for the adaptive loop's own tunables.
func (o CompositeOptions) Validate() error {
	if o.LowThreshold < 0 {
		return errs.NewInvalidConfiguration("low_threshold", "must be >= 0")
	}
	if o.HighThreshold > 1 {
		return errs.NewInvalidConfiguration("high_threshold", "must be <= 1")
	}
	if o.LowThreshold >= o.HighThreshold {
		return errs.NewInvalidConfiguration("low_threshold", "must be < high_threshold")
	}
	if o.IncreaseMul <= 1 {
		return errs.NewInvalidConfiguration("increase_mul", "must be > 1")
	}
	if o.DecreaseMul <= 0 || o.DecreaseMul >= 1 {
		return errs.NewInvalidConfiguration("decrease_mul", "must be in (0, 1)")
	}
	if o.MinTokens > o.MaxTokens {
		return errs.NewInvalidConfiguration("min_tokens", "must be <= max_tokens")
	}
	if o.TokenBucket.TokenLimit < o.MinTokens || o.TokenBucket.TokenLimit > o.MaxTokens {
		return errs.NewInvalidConfiguration("token_bucket.token_limit", "must be within [min_tokens, max_tokens]")
	}
	if o.MinPermits > o.MaxPermits {
		return errs.NewInvalidConfiguration("min_permits", "must be <= max_permits")
	}
	if o.SlidingWindow.PermitLimit < o.MinPermits || o.SlidingWindow.PermitLimit > o.MaxPermits {
		return errs.NewInvalidConfiguration("sliding_window.permit_limit", "must be within [min_permits, max_permits]")
	}
	return nil
}

// Composite is the paired token-bucket + sliding-window rate limiter
// described in spec §4.5.
type Composite struct {
	opts    CompositeOptions
	outcome *window.Window
	logger  *zerolog.Logger
	now     func() time.Time

	tbMu sync.RWMutex
	tb   *TokenBucket

	swMu sync.RWMutex
	sw   *SlidingWindow

	// Live current limits, tracked independently of each sub-limiter's
	// constructor-time options, resolving spec §9's second open question:
	// adjustments compare against the live limit so scaling is cumulative
	// instead of only ever moving one step from the initial value.
	liveTokenLimit      atomic.Uint32
	liveTokensPerPeriod atomic.Uint32
	livePermitLimit     atomic.Uint32

	total   atomic.Int64
	success atomic.Int64
}

// New validates opts, constructs the paired sub-limiters, and returns a
// ready Composite.
func New(opts CompositeOptions, now func() time.Time) (*Composite, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = 128
	}
	if opts.EMASpan <= 0 {
		opts.EMASpan = time.Minute
	}

	tb, err := NewTokenBucket(opts.TokenBucket, now)
	if err != nil {
		return nil, err
	}
	sw, err := NewSlidingWindow(opts.SlidingWindow, now)
	if err != nil {
		return nil, err
	}

	c := &Composite{
		opts:    opts,
		outcome: window.New(opts.WindowSize).WithClock(now),
		logger:  opts.Logger,
		now:     now,
		tb:      tb,
		sw:      sw,
	}
	c.liveTokenLimit.Store(opts.TokenBucket.TokenLimit)
	c.liveTokensPerPeriod.Store(opts.TokenBucket.TokensPerPeriod)
	c.livePermitLimit.Store(opts.SlidingWindow.PermitLimit)
	return c, nil
}

// Acquire runs the paired acquisition protocol from spec §4.5.
func (c *Composite) Acquire(n uint32) *CompositeLease {
	c.tbMu.RLock()
	tb := c.tb
	c.tbMu.RUnlock()

	tokenLease := tb.TryAcquire(n)
	if !tokenLease.Acquired() {
		c.recordOutcome(false)
		c.maybeAdjust()
		return &CompositeLease{Token: tokenLease, Window: NewLease(false, nil, nil)}
	}

	c.swMu.RLock()
	sw := c.sw
	c.swMu.RUnlock()

	windowLease := sw.TryAcquire(n)
	if !windowLease.Acquired() {
		tokenLease.Dispose()
		c.recordOutcome(false)
		c.maybeAdjust()
		return &CompositeLease{Token: tokenLease, Window: windowLease}
	}

	c.recordOutcome(true)
	c.maybeAdjust()
	return &CompositeLease{Token: tokenLease, Window: windowLease}
}

func (c *Composite) recordOutcome(success bool) {
	c.outcome.Record(0, !success)
	c.total.Add(1)
	if success {
		c.success.Add(1)
	}
}

// maybeAdjust implements spec §4.5's adaptive loop, triggered after every
// acquisition outcome.
func (c *Composite) maybeAdjust() {
	total := c.total.Load()
	if total < minDataPointsForUpdate {
		return
	}

	ema := c.outcome.WeightedEMA(c.opts.EMASpan)
	rateNow := float64(c.success.Load()) / float64(total)

	switch {
	case ema > c.opts.HighThreshold && rateNow > c.opts.HighThreshold:
		c.scale(c.opts.IncreaseMul, c.opts.MaxTokens, c.opts.MaxPermits)
	case ema < c.opts.LowThreshold && rateNow < c.opts.LowThreshold:
		c.scale(c.opts.DecreaseMul, c.opts.MinTokens, c.opts.MinPermits)
	}
}

// scale proposes new token/permit capacities by multiplying the live
// limits by factor (clamped to bound), and rebuilds a sub-limiter only
// when the proposed change exceeds the 10% relative-change gate.
func (c *Composite) scale(factor float64, tokenBound, permitBound uint32) {
	c.scaleTokenBucket(factor, tokenBound)
	c.scaleSlidingWindow(factor, permitBound)
}

func (c *Composite) scaleTokenBucket(factor float64, bound uint32) {
	current := c.liveTokenLimit.Load()
	proposed := clampToBound(float64(current)*factor, bound, factor < 1)
	if !exceedsThreshold(current, proposed) {
		return
	}

	currentTPP := c.liveTokensPerPeriod.Load()
	newTPP := uint32(float64(currentTPP) * (proposed / float64(current)))
	if c.opts.MaxTokensPerPeriod > 0 {
		newTPP = numeric.Clamp(newTPP, 1, c.opts.MaxTokensPerPeriod)
	} else if newTPP == 0 {
		newTPP = 1
	}

	newOpts := c.opts.TokenBucket
	newOpts.TokenLimit = uint32(proposed)
	newOpts.TokensPerPeriod = newTPP

	next, err := NewTokenBucket(newOpts, c.now)
	if err != nil {
		return
	}

	c.tbMu.Lock()
	old := c.tb
	c.tb = next
	c.tbMu.Unlock()
	_ = old.Close()

	c.liveTokenLimit.Store(newOpts.TokenLimit)
	c.liveTokensPerPeriod.Store(newOpts.TokensPerPeriod)

	if c.logger != nil {
		c.logger.Debug().Uint32("old_limit", current).Uint32("new_limit", newOpts.TokenLimit).Msg("ratelimiter: token bucket rebuilt")
	}
}

func (c *Composite) scaleSlidingWindow(factor float64, bound uint32) {
	current := c.livePermitLimit.Load()
	proposed := clampToBound(float64(current)*factor, bound, factor < 1)
	if !exceedsThreshold(current, proposed) {
		return
	}

	newOpts := c.opts.SlidingWindow
	newOpts.PermitLimit = uint32(proposed)

	next, err := NewSlidingWindow(newOpts, c.now)
	if err != nil {
		return
	}

	c.swMu.Lock()
	c.sw = next
	c.swMu.Unlock()

	c.livePermitLimit.Store(newOpts.PermitLimit)

	if c.logger != nil {
		c.logger.Debug().Uint32("old_limit", current).Uint32("new_limit", newOpts.PermitLimit).Msg("ratelimiter: sliding window rebuilt")
	}
}

// clampToBound clamps proposed to bound: if decreasing (factor<1), bound
// is a floor; if increasing, bound is a ceiling.
func clampToBound(proposed float64, bound uint32, decreasing bool) float64 {
	if decreasing {
		if proposed < float64(bound) {
			return float64(bound)
		}
		return proposed
	}
	if proposed > float64(bound) {
		return float64(bound)
	}
	return proposed
}

func exceedsThreshold(current uint32, proposed float64) bool {
	if current == 0 {
		return proposed != 0
	}
	delta := proposed - float64(current)
	if delta < 0 {
		delta = -delta
	}
	return delta > rebuildThreshold*float64(current)
}

// Close releases background resources (the token bucket's auto-replenish
// goroutine, if any).
func (c *Composite) Close() error {
	c.tbMu.RLock()
	tb := c.tb
	c.tbMu.RUnlock()
	return tb.Close()
}
