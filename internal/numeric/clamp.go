// Package numeric provides small generic numeric helpers shared across
// the policy packages, constrained the way catrate constrains its own
// ring buffer generics.
package numeric

import "golang.org/x/exp/constraints"

// Clamp restricts v to the inclusive range [lo, hi].
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
