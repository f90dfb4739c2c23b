package policy

import (
	"time"

	"github.com/joeycumines/go-resilience/errs"
	"github.com/joeycumines/go-resilience/snapshot"
)

// TimeoutStateSnapshot is an immutable timeout duration, replaced wholesale
// on reload.
type TimeoutStateSnapshot struct {
	Timeout time.Duration
}

// Validate enforces spec §3's TimeoutStateSnapshot invariant: timeout > 0.
func (s TimeoutStateSnapshot) Validate() error {
	if s.Timeout <= 0 {
		return errs.NewInvalidConfiguration("timeout", "must be > 0")
	}
	return nil
}

// NewTimeoutHandle constructs a reloading slot for TimeoutStateSnapshot,
// validating the initial snapshot eagerly.
func NewTimeoutHandle(initial TimeoutStateSnapshot) (*snapshot.Slot[TimeoutStateSnapshot], error) {
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	return snapshot.NewSlot(initial), nil
}

// ParseTimeoutOptions adapts an opaque options value into a
// TimeoutStateSnapshot. Unrecognized kinds or invalid snapshots report
// ok=false, which the slot treats as a no-op.
func ParseTimeoutOptions(opts any) (TimeoutStateSnapshot, bool) {
	v, ok := opts.(TimeoutStateSnapshot)
	if !ok || v.Validate() != nil {
		return TimeoutStateSnapshot{}, false
	}
	return v, true
}
