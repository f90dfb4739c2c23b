package snapshot

import "sync"

// Subscription is a disposable registration against a ChangeSource.
type Subscription interface {
	Dispose()
}

// ChangeSource is the configuration boundary this module consumes: an
// asynchronous change-notification contract. Dependency-injection and
// file-backed option providers live outside this module; they need only
// implement OnChange to plug into a reloading handle.
type ChangeSource interface {
	// OnChange registers listener to be called with (options, name) for
	// every configuration change. Returns a disposable Subscription.
	OnChange(listener func(opts any, name string)) Subscription
}

// Subscribe wires slot to source, filtering by name (case-sensitive) and
// delegating matched events to slot.OnConfigurationChanged. The default
// name is the empty string, matching an unnamed/default configuration.
func Subscribe[S comparable](source ChangeSource, slot *Slot[S], name string, parse func(any) (S, bool)) Subscription {
	return source.OnChange(func(opts any, eventName string) {
		if eventName != name {
			return
		}
		slot.OnConfigurationChanged(opts, parse)
	})
}

// DisposableHandle bundles a reloading Slot's subscription with a single
// Close call, so callers don't need to track the subscription separately
// from the slot.
type DisposableHandle struct {
	sub  Subscription
	once sync.Once
}

// NewDisposableHandle wires slot to source (see Subscribe) and returns a
// handle whose Close tears down the subscription exactly once.
func NewDisposableHandle[S comparable](source ChangeSource, slot *Slot[S], name string, parse func(any) (S, bool)) *DisposableHandle {
	return &DisposableHandle{sub: Subscribe(source, slot, name, parse)}
}

// Close disposes the underlying subscription. Safe to call more than once.
func (h *DisposableHandle) Close() error {
	h.once.Do(h.sub.Dispose)
	return nil
}
