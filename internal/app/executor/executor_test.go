package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestAtMostOneFiringPerRuleInFlight is the executor ordering testable
// property (spec.md §8): two jobs sharing the same rule key never run
// concurrently, even with enough worker slots to do so.
func TestAtMostOneFiringPerRuleInFlight(t *testing.T) {
	var running int32
	var maxConcurrent int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)

	runner := RunnerFunc(func(ctx context.Context, job Job) Outcome {
		defer wg.Done()
		n := atomic.AddInt32(&running, 1)
		for {
			cur := atomic.LoadInt32(&maxConcurrent)
			if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrent, cur, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return Outcome{Success: true}
	})

	e := New(Config{Workers: 4, DispatchInterval: 5 * time.Millisecond, ActionDeadline: time.Second}, runner, nil, nil)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	e.WithClock(func() time.Time { return now })

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	e.Submit(Job{ID: "j1", Kind: KindFiring, RuleID: "r1", ScheduledFor: now})
	e.Submit(Job{ID: "j2", Kind: KindFiring, RuleID: "r1", ScheduledFor: now})

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&maxConcurrent), "same-rule jobs must never run concurrently")
}

func TestDifferentRulesRunConcurrently(t *testing.T) {
	var wg sync.WaitGroup
	wg.Add(2)
	started := make(chan struct{}, 2)
	release := make(chan struct{})

	runner := RunnerFunc(func(ctx context.Context, job Job) Outcome {
		defer wg.Done()
		started <- struct{}{}
		<-release
		return Outcome{Success: true}
	})

	e := New(Config{Workers: 4, DispatchInterval: 5 * time.Millisecond, ActionDeadline: time.Second}, runner, nil, nil)
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	e.WithClock(func() time.Time { return now })

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	e.Submit(Job{ID: "j1", Kind: KindFiring, RuleID: "r1", ScheduledFor: now})
	e.Submit(Job{ID: "j2", Kind: KindFiring, RuleID: "r2", ScheduledFor: now})

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("expected both distinct-rule jobs to start concurrently")
		}
	}
	close(release)
	wg.Wait()
}

func TestSubmitDefersJobsNotYetScheduled(t *testing.T) {
	var ran int32
	runner := RunnerFunc(func(ctx context.Context, job Job) Outcome {
		atomic.AddInt32(&ran, 1)
		return Outcome{Success: true}
	})

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	e := New(Config{Workers: 2, DispatchInterval: 5 * time.Millisecond}, runner, nil, nil)
	e.WithClock(func() time.Time { return now })

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	e.Submit(Job{ID: "future", Kind: KindFiring, RuleID: "r1", ScheduledFor: now.Add(time.Hour)})
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&ran), "a job scheduled in the future must not run yet")
	require.Equal(t, 1, e.QueueDepth())
}

func TestRetryOutcomeResubmitsWithBackoff(t *testing.T) {
	var calls int32
	done := make(chan struct{})

	runner := RunnerFunc(func(ctx context.Context, job Job) Outcome {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return Outcome{Retry: true, RetryAfter: 0}
		}
		close(done)
		return Outcome{Success: true}
	})

	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	e := New(Config{Workers: 2, DispatchInterval: 5 * time.Millisecond}, runner, nil, nil)
	e.WithClock(func() time.Time { return now })

	require.NoError(t, e.Start(context.Background()))
	defer e.Stop(context.Background())

	e.Submit(Job{ID: "j1", Kind: KindFiring, RuleID: "r1", ScheduledFor: now})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected the retried job to run a second time")
	}
	require.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(2))
}
