package retryscheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/resaleflow/automation-core/internal/app/domain/deadletter"
	"github.com/resaleflow/automation-core/internal/app/domain/failure"
	"github.com/resaleflow/automation-core/internal/app/storage"
)

func TestEvaluateRetriesUntilMaxThenQuarantines(t *testing.T) {
	store := storage.NewMemory()
	s := New(store, store, nil, nil)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	analysis := failure.NewAnalysis(failure.CategoryTemporary, "ServerError", 0.6, "5xx")

	var lastDecision Decision
	for attempt := 1; attempt <= failure.Policies[failure.CategoryTemporary].MaxRetries; attempt++ {
		d, err := s.Evaluate(ctx, "job-1", "firing", nil, analysis, "", "boom", attempt, now)
		require.NoError(t, err)
		require.True(t, d.ShouldRetry, "attempt %d should still be retried", attempt)
		require.False(t, d.Quarantined)
		lastDecision = d
	}
	require.Greater(t, lastDecision.Delay, time.Duration(0))

	// One more attempt exceeds MaxRetries: must quarantine, never retry again
	// (spec.md §8.4 retry bound: total attempts <= 1 + max_retries).
	exceeded := failure.Policies[failure.CategoryTemporary].MaxRetries + 1
	d, err := s.Evaluate(ctx, "job-1", "firing", nil, analysis, "", "boom", exceeded, now)
	require.NoError(t, err)
	require.False(t, d.ShouldRetry)
	require.True(t, d.Quarantined)
	require.Equal(t, failure.CategoryTemporary, d.DeadLetter.FinalCategory)

	dlqs, err := store.ListDeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dlqs, 1)
	require.Equal(t, exceeded, dlqs[0].TotalAttempts)
}

func TestEvaluateNonRetryableCategoryQuarantinesImmediately(t *testing.T) {
	store := storage.NewMemory()
	s := New(store, store, nil, nil)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	analysis := failure.NewAnalysis(failure.CategoryValidation, "ValidationError", 0.85, "bad field")
	d, err := s.Evaluate(ctx, "job-2", "firing", nil, analysis, "", "bad price", 1, now)
	require.NoError(t, err)
	require.False(t, d.ShouldRetry)
	require.True(t, d.Quarantined)
	require.Equal(t, deadletter.ResolutionFor(failure.CategoryValidation), d.DeadLetter.ResolutionStatus)
}

// TestRetryAfterHonoredOnFirstAttempt is seed scenario S6 (spec.md §8): a
// server-provided Retry-After is used verbatim on the first retry.
func TestRetryAfterHonoredOnFirstAttempt(t *testing.T) {
	store := storage.NewMemory()
	s := New(store, store, nil, nil)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	analysis := failure.NewAnalysis(failure.CategoryRateLimit, "RateLimitError", 0.95, "429")
	analysis.RetryAfter = 7 * time.Second

	d, err := s.Evaluate(ctx, "job-3", "firing", nil, analysis, "429", "rate limited", 1, now)
	require.NoError(t, err)
	require.True(t, d.ShouldRetry)
	require.Equal(t, 7*time.Second, d.Delay)

	// The second retry falls back to the category's normal backoff curve,
	// not the server-provided Retry-After again.
	analysis.RetryAfter = 0
	d2, err := s.Evaluate(ctx, "job-3", "firing", nil, analysis, "429", "rate limited", 2, now)
	require.NoError(t, err)
	require.True(t, d2.ShouldRetry)
	require.NotEqual(t, 7*time.Second, d2.Delay)
}

func TestEvaluatePersistsRetryHistory(t *testing.T) {
	store := storage.NewMemory()
	s := New(store, store, nil, nil)
	ctx := context.Background()
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	analysis := failure.NewAnalysis(failure.CategoryNetwork, "NetworkError", 0.5, "timeout")
	_, err := s.Evaluate(ctx, "job-4", "firing", nil, analysis, "", "timeout", 1, now)
	require.NoError(t, err)
	_, err = s.Evaluate(ctx, "job-4", "firing", nil, analysis, "", "timeout again", 2, now)
	require.NoError(t, err)

	history, err := store.ListRetriesForJob(ctx, "job-4")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, 1, history[0].AttemptNumber)
	require.Equal(t, 2, history[1].AttemptNumber)
}
