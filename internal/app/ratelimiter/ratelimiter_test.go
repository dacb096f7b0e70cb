package ratelimiter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	"github.com/resaleflow/automation-core/internal/app/domain/ratelimit"
	"github.com/resaleflow/automation-core/internal/app/storage"
)

const testMarketplace marketplace.Tag = "poshmark"

func TestCheckAllowsUntilHourlyCapThenBlocks(t *testing.T) {
	store := storage.NewMemory()
	lim := New(store, Config{DefaultHourlyCap: 3, DefaultDailyCap: 100}, nil)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		d, err := lim.Check(ctx, testMarketplace, "user-1", now)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d should be admitted", i)
		require.NoError(t, lim.Record(ctx, testMarketplace, "user-1", true, now))
	}

	d, err := lim.Check(ctx, testMarketplace, "user-1", now)
	require.NoError(t, err)
	require.False(t, d.Allowed, "4th request within the same hourly window must be rejected")
	require.Greater(t, d.RetryAfter, time.Duration(0))
}

func TestCheckResetsAtNextWindow(t *testing.T) {
	store := storage.NewMemory()
	lim := New(store, Config{DefaultHourlyCap: 1, DefaultDailyCap: 100}, nil)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 12, 30, 0, 0, time.UTC)

	require.NoError(t, lim.Record(ctx, testMarketplace, "user-1", true, now))
	d, err := lim.Check(ctx, testMarketplace, "user-1", now)
	require.NoError(t, err)
	require.False(t, d.Allowed)

	nextHour := now.Add(time.Hour)
	d, err = lim.Check(ctx, testMarketplace, "user-1", nextHour)
	require.NoError(t, err)
	require.True(t, d.Allowed, "a new hourly window must admit again")
}

// TestRecordIsSafeUnderConcurrency is the rate-limit-safety testable property
// (spec.md §8.3): under any interleaving of concurrent workers, the recorded
// successful-call count for a window never exceeds the configured cap path —
// here we assert the counter's Requests count matches the number of calls
// exactly (no lost updates), which the transactional store must guarantee.
func TestRecordIsSafeUnderConcurrency(t *testing.T) {
	store := storage.NewMemory()
	lim := New(store, Config{DefaultHourlyCap: 1000, DefaultDailyCap: 100000}, nil)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lim.Record(ctx, testMarketplace, "user-concurrent", true, now)
		}()
	}
	wg.Wait()

	d, err := lim.Check(ctx, testMarketplace, "user-concurrent", now)
	require.NoError(t, err)
	require.Equal(t, 1000-n, d.Remaining)
}

func TestBlockHoldsMarketplaceWide(t *testing.T) {
	store := storage.NewMemory()
	lim := New(store, Config{DefaultHourlyCap: 100, DefaultDailyCap: 1000}, nil)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	lim.Block(testMarketplace, now.Add(5*time.Minute))

	d, err := lim.Check(ctx, testMarketplace, "any-user", now)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.InDelta(t, 5*time.Minute, d.RetryAfter, float64(time.Second))

	d, err = lim.Check(ctx, testMarketplace, "any-user", now.Add(6*time.Minute))
	require.NoError(t, err)
	require.True(t, d.Allowed, "hold should have lapsed")
}

func TestApplyHeadersOverridesLocalEstimate(t *testing.T) {
	store := storage.NewMemory()
	lim := New(store, Config{DefaultHourlyCap: 100, DefaultDailyCap: 1000}, nil)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	resetAt := now.Add(10 * time.Minute)
	require.NoError(t, lim.ApplyHeaders(ctx, testMarketplace, "user-hdr", ratelimit.WindowHourly, 0, resetAt, now))

	d, err := lim.Check(ctx, testMarketplace, "user-hdr", now)
	require.NoError(t, err)
	require.False(t, d.Allowed, "a server-reported remaining=0 must block admission until its reset")
}

func TestWaitPacingEnforcesMinimumSpacing(t *testing.T) {
	store := storage.NewMemory()
	lim := New(store, Config{DefaultHourlyCap: 1000, DefaultDailyCap: 10000, MinRequestSpacing: 30 * time.Millisecond}, nil)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, lim.WaitPacing(ctx, testMarketplace, "pacing-user"))
	require.NoError(t, lim.WaitPacing(ctx, testMarketplace, "pacing-user"))
	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 25*time.Millisecond, "second call must wait for the configured spacing")
}
