// Package bulkhead implements the adaptive bulkhead (component C4): a
// concurrency isolator wrapping a protected callback with queue admission,
// parallelism admission, and outcome recording, whose parallelism limit is
// self-tuned by an aimd.Controller.
package bulkhead

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/joeycumines/go-resilience/aimd"
	"github.com/joeycumines/go-resilience/errs"
	"github.com/joeycumines/go-resilience/window"
)

// Options configures a Bulkhead.
type Options struct {
	InitialLimit uint32
	MinLimit     uint32
	MaxLimit     uint32
	// QueueDepth is added to MaxLimit to size the compound queue
	// semaphore, which bounds the total number of callers either executing
	// or waiting for a parallelism permit. While the current limit is below
	// MaxLimit, more than QueueDepth callers can be waiting. Per the open
	// question resolved in SPEC_FULL.md §4, the compound queue capacity is
	// sized against MaxLimit (not InitialLimit), so growth under AIMD never
	// starves the queue relative to admitted parallelism.
	QueueDepth uint32

	LatencyThreshold       time.Duration
	ErrorRateThreshold     float64
	AdditiveIncrease       uint32
	MultiplicativeDecrease float64
	AdjustmentInterval     time.Duration
	MinSamples             int
	WindowSize             int

	// OnRejected is invoked when the queue permit is unavailable. A
	// panicking OnRejected propagates out of Execute instead of
	// ErrRejected, per spec §7.
	OnRejected func(ctx context.Context)

	Logger *zerolog.Logger
}

func (o Options) aimdConfig() aimd.Config {
	return aimd.Config{
		Min:                    o.MinLimit,
		Max:                    o.MaxLimit,
		Initial:                o.InitialLimit,
		LatencyThreshold:       o.LatencyThreshold,
		ErrorRateThreshold:     o.ErrorRateThreshold,
		AdditiveIncrease:       o.AdditiveIncrease,
		MultiplicativeDecrease: o.MultiplicativeDecrease,
		AdjustmentInterval:     o.AdjustmentInterval,
		MinSamples:             o.MinSamples,
	}
}

// generation is one parallelism-semaphore incarnation. Swapping the
// generation pointer is how the bulkhead reacts to a new AIMD limit;
// releases always target the generation a permit was acquired from, so a
// retired generation is never actually torn down, just no longer handed
// out to new acquirers (see SPEC_FULL.md's semaphore-replacement
// resolution).
type generation struct {
	sem   *semaphore.Weighted
	limit uint32
}

// Bulkhead is the adaptive bulkhead policy.
type Bulkhead struct {
	opts       Options
	window     *window.Window
	controller *aimd.Controller

	queueSem      *semaphore.Weighted
	queueCapacity int64
	queueInflight atomic.Int64

	gen              atomic.Pointer[generation]
	resizeMu         sync.Mutex
	parallelInflight atomic.Int64
}

// Stats is the bulkhead's observable state (spec §6).
type Stats struct {
	CurrentMaxParallelization uint32
	AvailableExecutionSlots   int64
	AvailableQueueSlots       int64
	CurrentMetrics            window.Snapshot
}

// New validates opts and constructs a Bulkhead. The AIMD controller is
// started immediately.
func New(opts Options) (*Bulkhead, error) {
	cfg := opts.aimdConfig()
	if opts.WindowSize <= 0 {
		opts.WindowSize = 64
	}
	win := window.New(opts.WindowSize)

	var ctrlOpts []aimd.Option
	if opts.Logger != nil {
		ctrlOpts = append(ctrlOpts, aimd.WithLogger(opts.Logger))
	}
	ctrl, err := aimd.New(cfg, win, ctrlOpts...)
	if err != nil {
		return nil, err
	}

	queueCapacity := int64(opts.QueueDepth) + int64(opts.MaxLimit)

	b := &Bulkhead{
		opts:          opts,
		window:        win,
		controller:    ctrl,
		queueSem:      semaphore.NewWeighted(queueCapacity),
		queueCapacity: queueCapacity,
	}
	b.gen.Store(&generation{sem: semaphore.NewWeighted(int64(opts.InitialLimit)), limit: opts.InitialLimit})

	ctrl.Start()

	return b, nil
}

// Controller exposes the underlying AIMD controller, e.g. to Subscribe to
// on_parallelization_adjusted events.
func (b *Bulkhead) Controller() *aimd.Controller { return b.controller }

// currentGeneration re-reads the controller's published limit and, if it
// differs from the active generation's limit, swaps in a freshly sized
// semaphore. A mutex around the check-then-swap makes this a
// double-checked lock: only one goroutine performs the swap per limit
// change, and a racing fast-path read never blocks.
func (b *Bulkhead) currentGeneration() *generation {
	want := b.controller.CurrentLimit()
	cur := b.gen.Load()
	if cur.limit == want {
		return cur
	}

	b.resizeMu.Lock()
	defer b.resizeMu.Unlock()

	cur = b.gen.Load()
	if cur.limit == want {
		return cur
	}

	next := &generation{sem: semaphore.NewWeighted(int64(want)), limit: want}
	b.gen.Store(next)
	if b.opts.Logger != nil {
		b.opts.Logger.Debug().Uint32("old_limit", cur.limit).Uint32("new_limit", want).Msg("bulkhead: parallelism semaphore swapped")
	}
	return next
}

// Execute runs fn under the bulkhead's admission protocol (spec §4.4):
// non-blocking queue admission, blocking-cancellable parallelism
// admission, timed execution, then outcome recording and release (in
// parallelism-then-queue order) on every exit path.
func Execute[T any](ctx context.Context, b *Bulkhead, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if !b.queueSem.TryAcquire(1) {
		if b.opts.OnRejected != nil {
			b.opts.OnRejected(ctx)
		}
		return zero, errs.NewRejected("queue full", 0)
	}
	b.queueInflight.Add(1)
	releaseQueue := func() {
		b.queueInflight.Add(-1)
		b.queueSem.Release(1)
	}

	gen := b.currentGeneration()
	if err := gen.sem.Acquire(ctx, 1); err != nil {
		releaseQueue()
		return zero, errs.NewCancelled(err)
	}
	b.parallelInflight.Add(1)

	start := time.Now()
	result, err := func() (t T, e error) {
		defer func() {
			if r := recover(); r != nil {
				b.parallelInflight.Add(-1)
				gen.sem.Release(1)
				releaseQueue()
				b.window.Record(time.Since(start), true)
				panic(r)
			}
		}()
		return fn(ctx)
	}()

	b.window.Record(time.Since(start), err != nil)
	b.parallelInflight.Add(-1)
	gen.sem.Release(1)
	releaseQueue()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return zero, errs.NewCancelled(err)
		}
		return zero, errs.NewUserError(err)
	}
	return result, nil
}

// Stats returns the bulkhead's current observable state.
func (b *Bulkhead) Stats() Stats {
	gen := b.gen.Load()
	return Stats{
		CurrentMaxParallelization: gen.limit,
		AvailableExecutionSlots:   int64(gen.limit) - b.parallelInflight.Load(),
		AvailableQueueSlots:       b.queueCapacity - b.queueInflight.Load(),
		CurrentMetrics:            b.window.Snapshot(),
	}
}

// Close stops the AIMD adjustment timer. In-flight executions already
// holding permits complete normally.
func (b *Bulkhead) Close() error {
	b.controller.Stop()
	return nil
}
