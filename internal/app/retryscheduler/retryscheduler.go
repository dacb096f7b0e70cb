// Package retryscheduler implements the Retry Scheduler (C7) and Dead
// Letter Queue (C6): given a categorized failure, it decides whether to
// retry (and when) or to quarantine the job.
package retryscheduler

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	core "github.com/resaleflow/automation-core/internal/app/core/service"
	"github.com/resaleflow/automation-core/internal/app/domain/deadletter"
	"github.com/resaleflow/automation-core/internal/app/domain/failure"
	"github.com/resaleflow/automation-core/internal/app/domain/retry"
	"github.com/resaleflow/automation-core/internal/app/storage"
	"github.com/resaleflow/automation-core/pkg/logger"
	"github.com/resaleflow/automation-core/pkg/metrics"
)

// Decision is the outcome of Evaluate.
type Decision struct {
	ShouldRetry bool
	Delay       time.Duration
	Quarantined bool
	DeadLetter  deadletter.Entry
}

// Scheduler computes retry delays and files Dead Letter Entries for jobs
// whose retries are exhausted or whose category forbids retry with
// requires_user_intervention (spec.md §4.6).
type Scheduler struct {
	retryStore storage.RetryStore
	dlqStore   storage.DeadLetterStore
	log        *logger.Logger
	met        *metrics.Registry
}

// New builds a Scheduler.
func New(retryStore storage.RetryStore, dlqStore storage.DeadLetterStore, log *logger.Logger, met *metrics.Registry) *Scheduler {
	if log == nil {
		log = logger.NewDefault("retry-scheduler")
	}
	return &Scheduler{retryStore: retryStore, dlqStore: dlqStore, log: log, met: met}
}

// Descriptor advertises placement for system.CollectDescriptors.
func (s *Scheduler) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "retry-scheduler",
		Domain:       "resilience",
		Layer:        core.LayerEngine,
		Capabilities: []string{"backoff", "dead-letter"},
	}
}

// Evaluate records a Retry History Entry for this attempt and decides
// whether the job is re-enqueued (with the backoff delay from spec.md
// §4.6) or moved to the DLQ.
func (s *Scheduler) Evaluate(ctx context.Context, jobID, jobType string, jobData map[string]interface{}, analysis failure.Analysis, errorCode, errorMessage string, attemptNumber int, now time.Time) (Decision, error) {
	delay := computeDelay(analysis, attemptNumber)
	nextRetryAt := now.Add(delay)

	entry := retry.Entry{
		JobID:         jobID,
		AttemptNumber: attemptNumber,
		Category:      analysis.Category,
		ErrorCode:     errorCode,
		ErrorMessage:  errorMessage,
		Delay:         delay,
		NextRetryAt:   nextRetryAt,
	}
	if _, err := s.retryStore.AppendRetry(ctx, entry); err != nil {
		return Decision{}, err
	}
	if s.met != nil {
		s.met.RetriesTotal.WithLabelValues(string(analysis.Category)).Inc()
	}

	if analysis.ShouldRetry && attemptNumber <= analysis.MaxRetries {
		return Decision{ShouldRetry: true, Delay: delay}, nil
	}

	history, err := s.retryStore.ListRetriesForJob(ctx, jobID)
	if err != nil {
		return Decision{}, err
	}
	dlq := deadletter.Entry{
		ID:               uuid.NewString(),
		OriginalJobID:    jobID,
		JobType:          jobType,
		JobData:          jobData,
		FinalCategory:    analysis.Category,
		TotalAttempts:    attemptNumber,
		ResolutionStatus: deadletter.ResolutionFor(analysis.Category),
	}
	if len(history) > 0 {
		dlq.FirstFailureAt = history[0].CreatedAt
		dlq.LastFailureAt = history[len(history)-1].CreatedAt
	}
	for _, h := range history {
		dlq.FailureHistory = append(dlq.FailureHistory, deadletter.FailureHistoryEntry{
			AttemptNumber: h.AttemptNumber,
			Category:      h.Category,
			ErrorMessage:  h.ErrorMessage,
			AttemptedAt:   h.CreatedAt,
		})
	}
	created, err := s.dlqStore.CreateDeadLetter(ctx, dlq)
	if err != nil {
		return Decision{}, err
	}
	if s.met != nil {
		s.met.DeadLetterTotal.WithLabelValues(string(analysis.Category)).Inc()
	}
	s.log.WithField("job_id", jobID).WithField("category", analysis.Category).Warn("job moved to dead letter queue")
	return Decision{ShouldRetry: false, Quarantined: true, DeadLetter: created}, nil
}

// computeDelay implements spec.md §4.6's formula:
//
//	delay = min(max_delay, base*multiplier^(attempt-1)) * (1 + U[-jitter, +jitter])
//
// A server-supplied Retry-After (analysis.RetryAfter, rate_limit category
// only) becomes the first attempt's delay, capped at MaxDelay, per spec.md
// §4.4/§4.6.
func computeDelay(analysis failure.Analysis, attemptNumber int) time.Duration {
	if attemptNumber == 1 && analysis.RetryAfter > 0 {
		d := analysis.RetryAfter
		if analysis.MaxDelay > 0 && d > analysis.MaxDelay {
			d = analysis.MaxDelay
		}
		return d
	}

	mult := analysis.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	raw := float64(analysis.BaseDelay) * math.Pow(mult, float64(attemptNumber-1))
	if analysis.MaxDelay > 0 && raw > float64(analysis.MaxDelay) {
		raw = float64(analysis.MaxDelay)
	}
	if raw <= 0 {
		return 0
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = time.Duration(raw)
	exp.Multiplier = mult
	exp.RandomizationFactor = analysis.JitterRange
	exp.MaxInterval = analysis.MaxDelay
	exp.Reset()

	d := exp.NextBackOff()
	if d == backoff.Stop {
		d = time.Duration(raw)
	}
	if analysis.MaxDelay > 0 && d > analysis.MaxDelay {
		d = analysis.MaxDelay
	}
	return d
}
