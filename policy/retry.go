// Package policy holds the retry and timeout state snapshots reloaded live
// by the C2 reloading handle (component §3 RetryStateSnapshot /
// TimeoutStateSnapshot). The retry/timeout executors themselves are out of
// scope (spec §1); this package exposes only the snapshot types they
// consume, plus constructors for their reloading slots and option parsers.
package policy

import (
	"time"

	"github.com/joeycumines/go-resilience/errs"
	"github.com/joeycumines/go-resilience/snapshot"
)

// BackoffKind selects the delay growth strategy between retry attempts.
type BackoffKind int

const (
	BackoffConstant BackoffKind = iota
	BackoffLinear
	BackoffExponential
)

// RetryStateSnapshot is an immutable description of retry behavior,
// replaced wholesale on reload.
type RetryStateSnapshot struct {
	MaxAttempts uint32
	BaseDelay   time.Duration
	// MaxDelay is the cap on computed delay, present only when HasMaxDelay
	// is true (so an explicit zero cap is distinct from "unset"), mirroring
	// spec's Option<Duration>. When HasMaxDelay is false there is no cap and
	// MaxDelay is ignored.
	MaxDelay    time.Duration
	HasMaxDelay bool
	Backoff     BackoffKind
	UseJitter   bool
}

// Validate enforces spec §3's RetryStateSnapshot invariants.
func (s RetryStateSnapshot) Validate() error {
	if s.BaseDelay < 0 {
		return errs.NewInvalidConfiguration("base_delay", "must be >= 0")
	}
	if s.HasMaxDelay && s.MaxDelay < s.BaseDelay {
		return errs.NewInvalidConfiguration("max_delay", "must be >= base_delay when present")
	}
	return nil
}

// NewRetryHandle constructs a reloading slot for RetryStateSnapshot,
// validating the initial snapshot eagerly (spec §7: InvalidConfiguration is
// surfaced synchronously before any execution occurs).
func NewRetryHandle(initial RetryStateSnapshot) (*snapshot.Slot[RetryStateSnapshot], error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return snapshot.NewSlot(initial), nil
}

// ParseRetryOptions adapts an opaque options value into a
// RetryStateSnapshot for use with Slot.OnConfigurationChanged /
// snapshot.Subscribe. Unrecognized kinds or snapshots that fail Validate
// report ok=false, which the slot treats as a no-op.
func ParseRetryOptions(opts any) (RetryStateSnapshot, bool) {
	v, ok := opts.(RetryStateSnapshot)
	if !ok || v.Validate() != nil {
		return RetryStateSnapshot{}, false
	}
	return v, true
}
