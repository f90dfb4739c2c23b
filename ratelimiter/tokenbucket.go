package ratelimiter

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joeycumines/go-resilience/errs"
)

// TokenBucketOptions configures a standard leaky-token bucket.
type TokenBucketOptions struct {
	TokenLimit          uint32
	TokensPerPeriod     uint32
	ReplenishmentPeriod time.Duration
	QueueLimit          uint32
	AutoReplenish       bool
}

// Validate enforces the basic shape of a token bucket configuration.
func (o TokenBucketOptions) Validate() error {
	if o.TokenLimit == 0 {
		return errs.NewInvalidConfiguration("token_limit", "must be > 0")
	}
	if o.TokensPerPeriod == 0 {
		return errs.NewInvalidConfiguration("tokens_per_period", "must be > 0")
	}
	if o.ReplenishmentPeriod <= 0 {
		return errs.NewInvalidConfiguration("replenishment_period", "must be > 0")
	}
	return nil
}

// TokenBucket is a standard leaky-token bucket: tokens accrue at
// TokensPerPeriod every ReplenishmentPeriod, up to TokenLimit, and one
// token (by default) is consumed per admission.
type TokenBucket struct {
	opts TokenBucketOptions
	now  func() time.Time

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTokenBucket validates opts and constructs a full bucket.
func NewTokenBucket(opts TokenBucketOptions, now func() time.Time) (*TokenBucket, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if now == nil {
		now = time.Now
	}
	tb := &TokenBucket{
		opts:       opts,
		now:        now,
		tokens:     float64(opts.TokenLimit),
		lastRefill: now(),
		stopCh:     make(chan struct{}),
	}
	if opts.AutoReplenish {
		tb.wg.Add(1)
		go tb.autoReplenishLoop()
	}
	return tb, nil
}

func (tb *TokenBucket) autoReplenishLoop() {
	defer tb.wg.Done()
	ticker := time.NewTicker(tb.opts.ReplenishmentPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-tb.stopCh:
			return
		case <-ticker.C:
			tb.mu.Lock()
			tb.refillLocked()
			tb.mu.Unlock()
		}
	}
}

func (tb *TokenBucket) refillLocked() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill)
	if elapsed <= 0 {
		return
	}
	periods := float64(elapsed) / float64(tb.opts.ReplenishmentPeriod)
	tb.tokens += periods * float64(tb.opts.TokensPerPeriod)
	if tb.tokens > float64(tb.opts.TokenLimit) {
		tb.tokens = float64(tb.opts.TokenLimit)
	}
	tb.lastRefill = now
}

// TryAcquire attempts to consume n tokens, returning a Lease whose Dispose
// returns the tokens (a rollback), used by the composite limiter when a
// paired sliding-window acquisition subsequently fails.
func (tb *TokenBucket) TryAcquire(n uint32) *Lease {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked()

	if tb.tokens < float64(n) {
		return NewLease(false, map[string]any{"lease_id": uuid.NewString()}, nil)
	}

	tb.tokens -= float64(n)
	remaining := tb.tokens
	return NewLease(true, map[string]any{
		"lease_id":         uuid.NewString(),
		"remaining_tokens": remaining,
	}, func() {
		tb.mu.Lock()
		defer tb.mu.Unlock()
		tb.tokens += float64(n)
		if tb.tokens > float64(tb.opts.TokenLimit) {
			tb.tokens = float64(tb.opts.TokenLimit)
		}
	})
}

// Available reports the current (lazily-refilled) token count.
func (tb *TokenBucket) Available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked()
	return tb.tokens
}

// Close stops the auto-replenish goroutine, if one was started.
func (tb *TokenBucket) Close() error {
	tb.stopOnce.Do(func() { close(tb.stopCh) })
	tb.wg.Wait()
	return nil
}
