package snapshot

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type retrySnap struct {
	MaxAttempts uint32
	BaseDelay   time.Duration
}

func TestSlot_LoadStore(t *testing.T) {
	sl := NewSlot(retrySnap{MaxAttempts: 3, BaseDelay: time.Second})
	prev := sl.Store(retrySnap{MaxAttempts: 5, BaseDelay: 2 * time.Second})
	assert.Equal(t, retrySnap{MaxAttempts: 3, BaseDelay: time.Second}, prev)
	assert.Equal(t, retrySnap{MaxAttempts: 5, BaseDelay: 2 * time.Second}, sl.Load())
}

func TestSlot_CompareAndSwap(t *testing.T) {
	initial := retrySnap{MaxAttempts: 3, BaseDelay: time.Second}
	sl := NewSlot(initial)

	next := retrySnap{MaxAttempts: 5, BaseDelay: 2 * time.Second}
	observed := sl.CompareAndSwap(initial, next)
	assert.Equal(t, initial, observed)
	assert.Equal(t, next, sl.Load())

	// Lost race: expected no longer matches current.
	observed = sl.CompareAndSwap(initial, retrySnap{MaxAttempts: 99})
	assert.Equal(t, next, observed)
	assert.Equal(t, next, sl.Load())
}

// Scenario 5 from spec §8: fire store() from N writer threads while N
// readers concurrently load(); every observed value must be either the
// initial snapshot or one of the stored snapshots, never a blend.
func TestSlot_ReloadAtomicityUnderConcurrency(t *testing.T) {
	initial := retrySnap{MaxAttempts: 3, BaseDelay: time.Second}
	final := retrySnap{MaxAttempts: 5, BaseDelay: 2 * time.Second}
	valid := map[retrySnap]bool{initial: true, final: true}

	sl := NewSlot(initial)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sl.Store(final)
		}()
	}

	readErrs := make(chan retrySnap, 1000)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v := sl.Load()
				if !valid[v] {
					readErrs <- v
				}
			}
		}()
	}

	wg.Wait()
	close(readErrs)

	for v := range readErrs {
		t.Fatalf("observed torn/unexpected snapshot: %+v", v)
	}
	require.Equal(t, final, sl.Load())
}

type fakeSource struct {
	mu        sync.Mutex
	listeners []func(any, string)
}

func (f *fakeSource) OnChange(listener func(opts any, name string)) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, listener)
	return disposeFunc(func() {})
}

func (f *fakeSource) fire(opts any, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, l := range f.listeners {
		l(opts, name)
	}
}

type disposeFunc func()

func (d disposeFunc) Dispose() { d() }

func TestSlot_WrongTypeReloadIsNoOp(t *testing.T) {
	initial := retrySnap{MaxAttempts: 3, BaseDelay: time.Second}
	sl := NewSlot(initial)

	parse := func(opts any) (retrySnap, bool) {
		v, ok := opts.(retrySnap)
		return v, ok
	}

	source := &fakeSource{}
	handle := NewDisposableHandle(source, sl, "", parse)
	defer handle.Close()

	source.fire("not a retrySnap", "")
	assert.Equal(t, initial, sl.Load(), "unrecognized option kind must leave state unchanged")

	next := retrySnap{MaxAttempts: 7, BaseDelay: 3 * time.Second}
	source.fire(next, "")
	assert.Equal(t, next, sl.Load())
}

func TestSlot_NameFiltering(t *testing.T) {
	sl := NewSlot(retrySnap{MaxAttempts: 1})
	parse := func(opts any) (retrySnap, bool) {
		v, ok := opts.(retrySnap)
		return v, ok
	}
	source := &fakeSource{}
	NewDisposableHandle(source, sl, "primary", parse)

	source.fire(retrySnap{MaxAttempts: 9}, "other")
	assert.Equal(t, retrySnap{MaxAttempts: 1}, sl.Load())

	source.fire(retrySnap{MaxAttempts: 9}, "primary")
	assert.Equal(t, retrySnap{MaxAttempts: 9}, sl.Load())
}
