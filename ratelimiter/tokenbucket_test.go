package ratelimiter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeClock(start time.Time) (now func() time.Time, advance func(time.Duration)) {
	var mu sync.Mutex
	t := start
	now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return t
	}
	advance = func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(d)
	}
	return now, advance
}

func TestTokenBucket_ValidateRejectsBadConfig(t *testing.T) {
	bad := TokenBucketOptions{TokenLimit: 0, TokensPerPeriod: 1, ReplenishmentPeriod: time.Second}
	_, err := NewTokenBucket(bad, nil)
	require.Error(t, err)
}

func TestTokenBucket_ExhaustsThenRefills(t *testing.T) {
	now, advance := fakeClock(time.Unix(0, 0))
	tb, err := NewTokenBucket(TokenBucketOptions{
		TokenLimit:          2,
		TokensPerPeriod:     2,
		ReplenishmentPeriod: time.Second,
	}, now)
	require.NoError(t, err)
	defer tb.Close()

	require.True(t, tb.TryAcquire(1).Acquired())
	require.True(t, tb.TryAcquire(1).Acquired())
	require.False(t, tb.TryAcquire(1).Acquired())

	advance(time.Second)
	require.True(t, tb.TryAcquire(1).Acquired())
}

func TestTokenBucket_RefillClampsToLimit(t *testing.T) {
	now, advance := fakeClock(time.Unix(0, 0))
	tb, err := NewTokenBucket(TokenBucketOptions{
		TokenLimit:          3,
		TokensPerPeriod:     100,
		ReplenishmentPeriod: time.Second,
	}, now)
	require.NoError(t, err)
	defer tb.Close()

	advance(time.Hour)
	assert.Equal(t, float64(3), tb.Available())
}

// Rollback: disposing an acquired lease returns its tokens, which is the
// mechanism the composite limiter relies on for scenario 6.
func TestTokenBucket_LeaseDisposeRollsBackTokens(t *testing.T) {
	now, _ := fakeClock(time.Unix(0, 0))
	tb, err := NewTokenBucket(TokenBucketOptions{
		TokenLimit:          1,
		TokensPerPeriod:     1,
		ReplenishmentPeriod: time.Second,
	}, now)
	require.NoError(t, err)
	defer tb.Close()

	lease := tb.TryAcquire(1)
	require.True(t, lease.Acquired())
	assert.Equal(t, float64(0), tb.Available())

	lease.Dispose()
	assert.Equal(t, float64(1), tb.Available())
}
