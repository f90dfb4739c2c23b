package bulkhead

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/semaphore"

	"github.com/joeycumines/go-resilience/errs"
)

func baseOptions() Options {
	return Options{
		InitialLimit:           5,
		MinLimit:               2,
		MaxLimit:               20,
		QueueDepth:             0,
		LatencyThreshold:       time.Second,
		ErrorRateThreshold:     0.5,
		AdditiveIncrease:       2,
		MultiplicativeDecrease: 0.5,
		AdjustmentInterval:     time.Hour, // tests drive adjustments manually where needed
		MinSamples:             1,
		WindowSize:             32,
	}
}

func TestBulkhead_ExecuteSuccess(t *testing.T) {
	opts := baseOptions()
	b, err := New(opts)
	require.NoError(t, err)
	defer b.Close()

	result, err := Execute(context.Background(), b, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, result)
}

// Scenario 4 from spec §8: queue rejection fires the callback exactly
// once, and the long-running first operation still completes.
func TestBulkhead_QueueRejectionFiresCallback(t *testing.T) {
	opts := baseOptions()
	opts.InitialLimit = 1
	opts.MinLimit = 1
	opts.MaxLimit = 1
	opts.QueueDepth = 0

	var rejectedCount atomic.Int32
	opts.OnRejected = func(ctx context.Context) { rejectedCount.Add(1) }

	b, err := New(opts)
	require.NoError(t, err)
	defer b.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		_, err := Execute(context.Background(), b, func(ctx context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
		assert.NoError(t, err)
	}()

	<-started

	// The queue semaphore's compound capacity is QueueDepth + MaxLimit = 1,
	// and the first operation already holds that single permit.
	_, err = Execute(context.Background(), b, func(ctx context.Context) (int, error) {
		return 2, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrRejected)
	assert.Equal(t, int32(1), rejectedCount.Load())

	close(release)
	wg.Wait()
}

func TestBulkhead_CancellationDuringParallelismAdmissionReleasesQueue(t *testing.T) {
	opts := baseOptions()
	opts.InitialLimit = 1
	opts.MinLimit = 1
	opts.MaxLimit = 1
	opts.QueueDepth = 1

	b, err := New(opts)
	require.NoError(t, err)
	defer b.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = Execute(context.Background(), b, func(ctx context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = Execute(ctx, b, func(ctx context.Context) (int, error) {
		t.Fatal("callback must not run when cancelled during admission")
		return 0, nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrCancelled)

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.AvailableQueueSlots, "queue permit must be released after cancellation")

	close(release)
}

func TestBulkhead_GenerationSwapReleaseOnDisposedIsSafe(t *testing.T) {
	opts := baseOptions()
	opts.InitialLimit = 2
	opts.MinLimit = 1
	opts.MaxLimit = 10
	opts.QueueDepth = 10

	b, err := New(opts)
	require.NoError(t, err)
	defer b.Close()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = Execute(context.Background(), b, func(ctx context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()
	<-started

	// Directly simulate the generation swap an AIMD adjustment would
	// trigger, while the above execution still holds a permit against the
	// old generation.
	oldGen := b.gen.Load()
	newGen := &generation{sem: semaphore.NewWeighted(5), limit: 5}
	b.gen.Store(newGen)
	assert.NotSame(t, oldGen, newGen)

	close(release)
	// Release against the retired generation must not panic.
	time.Sleep(10 * time.Millisecond)

	result, err := Execute(context.Background(), b, func(ctx context.Context) (int, error) {
		return 99, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 99, result)
}

func TestBulkhead_Stats(t *testing.T) {
	opts := baseOptions()
	b, err := New(opts)
	require.NoError(t, err)
	defer b.Close()

	stats := b.Stats()
	assert.Equal(t, uint32(5), stats.CurrentMaxParallelization)
	assert.Equal(t, int64(5), stats.AvailableExecutionSlots)
}
