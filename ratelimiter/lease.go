// Package ratelimiter implements the composite adaptive rate limiter
// (component C5): a paired token-bucket + sliding-window admission filter
// whose capacities are adjusted from a weighted moving average of
// acceptance outcomes.
package ratelimiter

import (
	"sync"

	"golang.org/x/exp/slices"
)

// Lease is an opaque handle representing an acquisition attempt against
// one sub-limiter. Dispose returns any capacity the lease actually
// consumed (a no-op if Acquired is false) and is idempotent.
type Lease struct {
	acquired bool
	metadata map[string]any
	release  func()
	once     sync.Once
}

// NewLease constructs a Lease. release is called at most once, the first
// time Dispose is invoked, and only matters when acquired is true (a
// failed acquisition never holds capacity to give back).
func NewLease(acquired bool, metadata map[string]any, release func()) *Lease {
	return &Lease{acquired: acquired, metadata: metadata, release: release}
}

// Acquired reports whether the acquisition attempt succeeded.
func (l *Lease) Acquired() bool { return l.acquired }

// MetadataNames returns the lease's metadata keys, sorted for
// deterministic iteration (map key order is otherwise randomized).
func (l *Lease) MetadataNames() []string {
	names := make([]string, 0, len(l.metadata))
	for k := range l.metadata {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// TryGetMetadata looks up a metadata value by name.
func (l *Lease) TryGetMetadata(name string) (any, bool) {
	v, ok := l.metadata[name]
	return v, ok
}

// Dispose releases any capacity the lease holds, exactly once.
func (l *Lease) Dispose() {
	l.once.Do(func() {
		if l.acquired && l.release != nil {
			l.release()
		}
	})
}

// CompositeLease wraps a token-bucket lease and a sliding-window lease, as
// described in spec §3/§4.5.
type CompositeLease struct {
	Token  *Lease
	Window *Lease
	once   sync.Once
}

// Acquired reports acquired = token.acquired AND window.acquired, per
// spec's CompositeLease invariant.
func (c *CompositeLease) Acquired() bool {
	return c.Token.Acquired() && c.Window.Acquired()
}

// MetadataNames returns the deduplicated, sorted union of both inner
// leases' metadata keys.
func (c *CompositeLease) MetadataNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, n := range c.Token.MetadataNames() {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	for _, n := range c.Window.MetadataNames() {
		if !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}
	slices.Sort(names)
	return names
}

// TryGetMetadata consults the token-bucket lease first, then the sliding
// window (first wins), per spec.
func (c *CompositeLease) TryGetMetadata(name string) (any, bool) {
	if v, ok := c.Token.TryGetMetadata(name); ok {
		return v, true
	}
	return c.Window.TryGetMetadata(name)
}

// Dispose releases both inner leases exactly once.
func (c *CompositeLease) Dispose() {
	c.once.Do(func() {
		c.Token.Dispose()
		c.Window.Dispose()
	})
}
