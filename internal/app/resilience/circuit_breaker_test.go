package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/resaleflow/automation-core/internal/app/domain/circuit"
	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	"github.com/resaleflow/automation-core/internal/app/storage"
)

const testMarketplace marketplace.Tag = "mercari"

// TestBreakerTripsAndRecovers is seed scenario S3 (spec.md §8): 5 consecutive
// failures trip the breaker; calls within the timeout are rejected with
// circuit_open; after the timeout plus RecoveryThreshold successes, it
// closes again.
func TestBreakerTripsAndRecovers(t *testing.T) {
	store := storage.NewMemory()
	b := New(store, Config{FailureThreshold: 5, RecoveryThreshold: 3, HalfOpenMaxRequests: 3, Timeout: time.Minute}, nil)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Allow(ctx, testMarketplace, now))
		require.NoError(t, b.RecordFailure(ctx, testMarketplace, now))
	}

	phase, err := b.Phase(ctx, testMarketplace)
	require.NoError(t, err)
	require.Equal(t, circuit.PhaseOpen, phase)

	for i := 0; i < 10; i++ {
		require.ErrorIs(t, b.Allow(ctx, testMarketplace, now.Add(time.Duration(i)*time.Second)), ErrCircuitOpen)
	}

	afterTimeout := now.Add(time.Minute + time.Second)
	require.NoError(t, b.Allow(ctx, testMarketplace, afterTimeout))
	phase, err = b.Phase(ctx, testMarketplace)
	require.NoError(t, err)
	require.Equal(t, circuit.PhaseHalfOpen, phase)

	require.NoError(t, b.RecordSuccess(ctx, testMarketplace, afterTimeout))
	require.NoError(t, b.Allow(ctx, testMarketplace, afterTimeout))
	require.NoError(t, b.RecordSuccess(ctx, testMarketplace, afterTimeout))
	require.NoError(t, b.Allow(ctx, testMarketplace, afterTimeout))
	require.NoError(t, b.RecordSuccess(ctx, testMarketplace, afterTimeout))

	phase, err = b.Phase(ctx, testMarketplace)
	require.NoError(t, err)
	require.Equal(t, circuit.PhaseClosed, phase)

	require.NoError(t, b.Allow(ctx, testMarketplace, afterTimeout))
}

func TestHalfOpenAdmitsOnlyConfiguredMaxRequests(t *testing.T) {
	store := storage.NewMemory()
	b := New(store, Config{FailureThreshold: 1, RecoveryThreshold: 3, HalfOpenMaxRequests: 2, Timeout: time.Minute}, nil)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	require.NoError(t, b.Allow(ctx, testMarketplace, now))
	require.NoError(t, b.RecordFailure(ctx, testMarketplace, now)) // trips open immediately (threshold 1)

	afterTimeout := now.Add(time.Minute + time.Second)
	require.NoError(t, b.Allow(ctx, testMarketplace, afterTimeout)) // probe 1, transitions to half_open
	require.NoError(t, b.Allow(ctx, testMarketplace, afterTimeout)) // probe 2
	require.ErrorIs(t, b.Allow(ctx, testMarketplace, afterTimeout), ErrCircuitOpen, "a third concurrent half-open probe must be rejected")
}

func TestHalfOpenFailureReopensAndDoublesTimeout(t *testing.T) {
	store := storage.NewMemory()
	b := New(store, Config{FailureThreshold: 1, RecoveryThreshold: 3, HalfOpenMaxRequests: 3, Timeout: time.Minute, MaxTimeout: 10 * time.Minute}, nil)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	require.NoError(t, b.Allow(ctx, testMarketplace, now))
	require.NoError(t, b.RecordFailure(ctx, testMarketplace, now))

	afterTimeout := now.Add(time.Minute + time.Second)
	require.NoError(t, b.Allow(ctx, testMarketplace, afterTimeout))
	require.NoError(t, b.RecordFailure(ctx, testMarketplace, afterTimeout))

	phase, err := b.Phase(ctx, testMarketplace)
	require.NoError(t, err)
	require.Equal(t, circuit.PhaseOpen, phase)

	// The doubled timeout (2 minutes) must still be in effect: a probe just
	// after the original 1-minute window elapses must still be rejected.
	require.ErrorIs(t, b.Allow(ctx, testMarketplace, afterTimeout.Add(time.Minute+time.Second)), ErrCircuitOpen)
}

func TestClosedSuccessDecrementsFailureCountFloorZero(t *testing.T) {
	store := storage.NewMemory()
	b := New(store, Config{FailureThreshold: 5}, nil)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	require.NoError(t, b.RecordSuccess(ctx, testMarketplace, now))
	s, err := store.GetCircuit(ctx, testMarketplace)
	require.NoError(t, err)
	require.Equal(t, 0, s.FailureCount, "decrementing a zero failure count must not go negative")

	require.NoError(t, b.RecordFailure(ctx, testMarketplace, now))
	require.NoError(t, b.RecordFailure(ctx, testMarketplace, now))
	require.NoError(t, b.RecordSuccess(ctx, testMarketplace, now))
	s, err = store.GetCircuit(ctx, testMarketplace)
	require.NoError(t, err)
	require.Equal(t, 1, s.FailureCount)
}
