package webhook

import (
	"context"
	"time"

	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	webhookdomain "github.com/resaleflow/automation-core/internal/app/domain/webhook"
	"github.com/resaleflow/automation-core/internal/app/storage"
	"github.com/resaleflow/automation-core/pkg/logger"
)

// PollingScheduler owns the adaptive Polling Schedule state machine for
// marketplaces without push webhooks (spec.md §4.7): interval halves on a
// detected sale down to min, grows ×1.5 on consecutive empty polls up to
// max, and disables past max_failures consecutive failures.
type PollingScheduler struct {
	store storage.WebhookStore
	log   *logger.Logger
	alert func(sched webhookdomain.PollingSchedule)
}

// NewPollingScheduler builds a PollingScheduler backed by store.
func NewPollingScheduler(store storage.WebhookStore, log *logger.Logger) *PollingScheduler {
	if log == nil {
		log = logger.NewDefault("polling-scheduler")
	}
	return &PollingScheduler{store: store, log: log}
}

// WithAlert registers a callback invoked when a schedule is disabled after
// exceeding its failure budget.
func (s *PollingScheduler) WithAlert(fn func(sched webhookdomain.PollingSchedule)) *PollingScheduler {
	s.alert = fn
	return s
}

// Due reports whether it is time to poll this (user, marketplace) account,
// given its current schedule.
func (s *PollingScheduler) Due(ctx context.Context, userID string, mkt marketplace.Tag, now time.Time) (bool, webhookdomain.PollingSchedule, error) {
	sched, err := s.store.GetPollingSchedule(ctx, userID, mkt)
	if err == storage.ErrNotFound {
		sched = webhookdomain.PollingSchedule{UserID: userID, Marketplace: mkt}
	} else if err != nil {
		return false, webhookdomain.PollingSchedule{}, err
	}
	if sched.Disabled {
		return false, sched, nil
	}
	if sched.LastPollAt.IsZero() {
		return true, sched, nil
	}
	return !now.Before(sched.LastPollAt.Add(sched.Interval)), sched, nil
}

// Advance applies one poll's outcome to the schedule and persists it,
// implementing the halve-on-sale / grow-by-1.5-on-empty / disable-past-
// max-failures rules.
func (s *PollingScheduler) Advance(ctx context.Context, sched webhookdomain.PollingSchedule, result PollResult, now time.Time) (webhookdomain.PollingSchedule, error) {
	if sched.MinInterval <= 0 {
		sched.MinInterval = 1 * time.Minute
	}
	if sched.MaxInterval <= 0 {
		sched.MaxInterval = 30 * time.Minute
	}
	if sched.MaxFailures <= 0 {
		sched.MaxFailures = 5
	}
	if sched.Interval <= 0 {
		sched.Interval = sched.MinInterval
	}

	sched.LastPollAt = now
	switch {
	case result.Err != nil:
		sched.ConsecutiveFailures++
		if sched.ConsecutiveFailures > sched.MaxFailures {
			sched.Disabled = true
			if s.alert != nil {
				s.alert(sched)
			}
		}
	case result.FoundSale:
		sched.ConsecutiveFailures = 0
		sched.LastPollFoundSale = true
		sched.Interval /= 2
		if sched.Interval < sched.MinInterval {
			sched.Interval = sched.MinInterval
		}
	default:
		sched.ConsecutiveFailures = 0
		sched.LastPollFoundSale = false
		sched.Interval = time.Duration(float64(sched.Interval) * 1.5)
		if sched.Interval > sched.MaxInterval {
			sched.Interval = sched.MaxInterval
		}
	}
	sched.UpdatedAt = now

	return s.store.UpsertPollingSchedule(ctx, sched)
}
