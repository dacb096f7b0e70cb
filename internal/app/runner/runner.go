// Package runner wires the Failure Categorizer (C4), Retry Scheduler/DLQ
// (C6/C7), Audit Log (C13), Marketplace Engines (C8), the Webhook Ingestor
// (C11), and the Cross-Platform Sync Coordinator (C12) into a single
// executor.Runner: the concrete implementation of the Executor's "safety
// check → engine invocation → log → retry bookkeeping" contract (spec.md
// §4.2, §2 data flow).
package runner

import (
	"context"
	"time"

	core "github.com/resaleflow/automation-core/internal/app/core/service"
	"github.com/resaleflow/automation-core/internal/app/audit"
	"github.com/resaleflow/automation-core/internal/app/categorizer"
	"github.com/resaleflow/automation-core/internal/app/domain/auditlog"
	"github.com/resaleflow/automation-core/internal/app/domain/failure"
	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	"github.com/resaleflow/automation-core/internal/app/domain/rule"
	webhookdomain "github.com/resaleflow/automation-core/internal/app/domain/webhook"
	"github.com/resaleflow/automation-core/internal/app/engines"
	"github.com/resaleflow/automation-core/internal/app/executor"
	"github.com/resaleflow/automation-core/internal/app/retryscheduler"
	"github.com/resaleflow/automation-core/internal/app/storage"
	syncpkg "github.com/resaleflow/automation-core/internal/app/sync"
	webhookpkg "github.com/resaleflow/automation-core/internal/app/webhook"
	"github.com/resaleflow/automation-core/pkg/logger"
	"github.com/resaleflow/automation-core/pkg/metrics"
)

// Registry resolves the Engine for a marketplace tag; the Executor selects
// implementations by tag (spec.md §9 Polymorphism).
type Registry map[marketplace.Tag]engines.Engine

// Runner is the concrete executor.Runner: it carries a Job through the
// Executor's contract by dispatching to the right subsystem per job kind.
type Runner struct {
	core.Base

	store       storage.Store
	registry    Registry
	categorizer *categorizer.Categorizer
	retry       *retryscheduler.Scheduler
	audit       *audit.Log
	sync        *syncpkg.Coordinator
	webhook     *webhookpkg.Ingestor
	log         *logger.Logger
	met         *metrics.Registry
	clock       func() time.Time
}

// storeAccountChecker adapts storage.Store to core.AccountChecker so the
// Runner can embed core.Base instead of re-implementing the existence check.
type storeAccountChecker struct{ store storage.Store }

func (c storeAccountChecker) AccountExists(ctx context.Context, accountID string) (bool, error) {
	return c.store.UserExists(ctx, accountID)
}

// New builds a Runner.
func New(store storage.Store, registry Registry, cat *categorizer.Categorizer, retry *retryscheduler.Scheduler, auditLog *audit.Log, sync *syncpkg.Coordinator, webhook *webhookpkg.Ingestor, log *logger.Logger, met *metrics.Registry) *Runner {
	if log == nil {
		log = logger.NewDefault("runner")
	}
	return &Runner{
		Base:        core.NewBase(storeAccountChecker{store: store}, nil),
		store:       store,
		registry:    registry,
		categorizer: cat,
		retry:       retry,
		audit:       auditLog,
		sync:        sync,
		webhook:     webhook,
		log:         log,
		met:         met,
		clock:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source, for deterministic tests.
func (r *Runner) WithClock(clock func() time.Time) *Runner {
	r.clock = clock
	return r
}

// Descriptor advertises placement for system.CollectDescriptors.
func (r *Runner) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "job-runner",
		Domain:       "automation",
		Layer:        core.LayerEngine,
		Capabilities: []string{"firing", "sync-delist", "webhook-event"},
	}
}

var _ executor.Runner = (*Runner)(nil)

// Run implements executor.Runner, dispatching by job kind.
func (r *Runner) Run(ctx context.Context, job executor.Job) executor.Outcome {
	switch job.Kind {
	case executor.KindSyncDelist:
		return r.runSyncDelist(ctx, job)
	case executor.KindWebhookEvent:
		return r.runWebhookEvent(ctx, job)
	default:
		return r.runFiring(ctx, job)
	}
}

// runFiring loads a rule's full context, runs its Engine, and decides the
// retry outcome from the batch result (spec.md §4.2, §4.8).
func (r *Runner) runFiring(ctx context.Context, job executor.Job) executor.Outcome {
	now := r.clock()

	rl, err := r.store.GetRule(ctx, job.RuleID)
	if err != nil {
		return executor.Outcome{Skipped: true, SkipReason: "rule_not_found"}
	}
	if !rl.Enabled {
		r.logResult(ctx, rl.UserID, rl.ID, rl.Marketplace, "", auditlog.StatusSkipped, "", "rule_disabled", 0, job.AttemptID)
		return executor.Outcome{Skipped: true, SkipReason: "rule_disabled"}
	}
	if exists, err := r.RequireAccount(ctx, rl.UserID); err != nil || !exists {
		r.logResult(ctx, rl.UserID, rl.ID, rl.Marketplace, "", auditlog.StatusSkipped, "", "user_not_found", 0, job.AttemptID)
		return executor.Outcome{Skipped: true, SkipReason: "user_not_found"}
	}

	user, err := r.store.GetUser(ctx, rl.UserID)
	if err != nil {
		return executor.Outcome{Skipped: true, SkipReason: "user_not_found"}
	}

	conn, err := r.store.GetConnection(ctx, rl.UserID, rl.Marketplace)
	if err != nil && err != storage.ErrNotFound {
		return executor.Outcome{Retry: true, RetryAfter: 30 * time.Second, ErrorKind: "temporary"}
	}

	eng, ok := r.registry[rl.Marketplace]
	if !ok {
		r.disableRule(ctx, rl.ID, "unsupported_marketplace")
		r.logResult(ctx, rl.UserID, rl.ID, rl.Marketplace, "", auditlog.StatusFailed, "validation", "unsupported_marketplace", 0, job.AttemptID)
		return executor.Outcome{Success: false}
	}

	candidates, err := r.loadCandidates(ctx, rl.UserID, rl.Marketplace)
	if err != nil {
		return executor.Outcome{Retry: true, RetryAfter: 30 * time.Second, ErrorKind: "temporary"}
	}

	start := time.Now()
	result, execErr := eng.Execute(ctx, engines.FiringInput{
		Rule:       rl,
		User:       user,
		Connection: conn,
		Candidates: candidates,
		AttemptID:  job.AttemptID,
		ResumeFrom: job.ProcessedItems,
		Now:        now,
	})
	duration := time.Since(start)

	return r.resolveFiringResult(ctx, job, rl, result, execErr, now, duration)
}

// resolveFiringResult interprets an Engine's Result into an audit entry, the
// rule's running counters, and the Executor's retry decision.
func (r *Runner) resolveFiringResult(ctx context.Context, job executor.Job, rl rule.Rule, result engines.Result, execErr error, now time.Time, duration time.Duration) executor.Outcome {
	action := string(result.Action)

	if result.ValidationErr != "" {
		rl.RecordValidationFailure(now, result.ValidationErr)
		_, _ = r.store.UpdateRule(ctx, rl)
		if rl.ShouldAutoDisable() {
			r.disableRule(ctx, rl.ID, "repeated_validation_failures")
		}
		r.logResult(ctx, rl.UserID, rl.ID, rl.Marketplace, action, auditlog.StatusFailed, "validation", result.ValidationErr, duration, job.AttemptID)
		return executor.Outcome{Success: false, ErrorKind: "validation"}
	}

	if execErr != nil {
		analysis := r.categorizer.Classify(categorizer.Input{
			Marketplace:   rl.Marketplace,
			ErrorTypeName: "NetworkError",
			Message:       execErr.Error(),
			AttemptNumber: job.AttemptNumber + 1,
		})
		return r.handleFailureAnalysis(ctx, job, rl, action, analysis, "", execErr.Error(), now, duration)
	}

	if result.Failed == 0 {
		rl.RecordSuccess(now)
		_, _ = r.store.UpdateRule(ctx, rl)
		status := auditlog.StatusSuccess
		if result.Attempted == 0 {
			status = auditlog.StatusSkipped
		}
		r.logResult(ctx, rl.UserID, rl.ID, rl.Marketplace, action, status, "", "", duration, job.AttemptID)
		return executor.Outcome{Success: true}
	}

	// At least one item failed: classify the representative (last) failure
	// to drive the whole firing's retry decision, resuming only the
	// unprocessed items on a retry (spec.md §4.8 idempotent resume).
	last := result.Outcomes[len(result.Outcomes)-1]
	analysis := r.categorizer.Classify(categorizer.Input{
		Marketplace:   rl.Marketplace,
		HTTPStatus:    last.Response.HTTPStatus,
		Headers:       last.Response.Headers,
		ErrorCode:     last.Response.ErrorCode,
		Message:       last.Response.Message,
		AttemptNumber: job.AttemptNumber + 1,
	})

	job.ProcessedItems = append(job.ProcessedItems, result.ProcessedItems...)
	return r.handleFailureAnalysis(ctx, job, rl, action, analysis, last.Response.ErrorCode, last.Response.Message, now, duration)
}

// handleFailureAnalysis runs the categorized failure through the Retry
// Scheduler/DLQ and applies the category-specific side effects of spec.md §7.
func (r *Runner) handleFailureAnalysis(ctx context.Context, job executor.Job, rl rule.Rule, action string, analysis failure.Analysis, errorCode, errorMessage string, now time.Time, duration time.Duration) executor.Outcome {
	attempt := job.AttemptNumber + 1
	decision, err := r.retry.Evaluate(ctx, job.ID, string(job.Kind), jobData(job), analysis, errorCode, errorMessage, attempt, now)
	if err != nil {
		r.log.WithError(err).Warn("retry scheduler evaluate failed")
	}

	status := auditlog.StatusFailed
	if analysis.Category == failure.CategoryRateLimit {
		status = auditlog.StatusRateLimited
	}

	// Validation/permanent failures share the same consecutive-strike counter
	// and MaxConsecutiveValidationFailures threshold that
	// resolveFiringResult's per-item validation path uses, so a single
	// marketplace-reported validation error can't disable a rule outright —
	// it takes repeated occurrences (spec.md §7).
	switch analysis.Category {
	case failure.CategoryValidation, failure.CategoryPermanent:
		rl.RecordValidationFailure(now, string(analysis.Category))
		_, _ = r.store.UpdateRule(ctx, rl)
		if rl.ShouldAutoDisable() {
			r.disableRule(ctx, rl.ID, "repeated_validation_failures")
		}
	case failure.CategoryAuth:
		rl.RecordFailure(now, string(analysis.Category))
		_, _ = r.store.UpdateRule(ctx, rl)
		if decision.Quarantined {
			_ = r.store.SetConnected(ctx, rl.UserID, rl.Marketplace, false)
			r.disableRule(ctx, rl.ID, "auth")
		}
	default:
		rl.RecordFailure(now, string(analysis.Category))
		_, _ = r.store.UpdateRule(ctx, rl)
	}

	r.logResult(ctx, rl.UserID, rl.ID, rl.Marketplace, action, status, string(analysis.Category), errorMessage, duration, job.AttemptID)

	if decision.ShouldRetry {
		return executor.Outcome{Retry: true, RetryAfter: decision.Delay, ErrorKind: string(analysis.Category)}
	}
	return executor.Outcome{Success: false, ErrorKind: string(analysis.Category)}
}

// runSyncDelist carries one Cross-Platform Sync Coordinator sub-job through
// its target marketplace's Delister (spec.md §4.10 step 3-4).
func (r *Runner) runSyncDelist(ctx context.Context, job executor.Job) executor.Outcome {
	now := r.clock()
	eng, ok := r.registry[job.Marketplace]
	if !ok {
		_, _ = r.sync.RecordOutcome(ctx, job.SyncJobID, job.PostID, job.Marketplace, false, "unsupported_marketplace", now)
		return executor.Outcome{Success: false}
	}

	d, ok := eng.(engines.Delister)
	if !ok {
		_, _ = r.sync.RecordOutcome(ctx, job.SyncJobID, job.PostID, job.Marketplace, false, "engine does not support delist", now)
		return executor.Outcome{Success: false}
	}

	resp, err := d.Delist(ctx, job.ExternalID)
	if err != nil || !resp.Success {
		msg := resp.Message
		if err != nil {
			msg = err.Error()
		}
		analysis := r.categorizer.Classify(categorizer.Input{
			Marketplace:   job.Marketplace,
			HTTPStatus:    resp.HTTPStatus,
			Headers:       resp.Headers,
			ErrorCode:     resp.ErrorCode,
			Message:       msg,
			AttemptNumber: job.AttemptNumber + 1,
		})
		decision, derr := r.retry.Evaluate(ctx, job.ID, string(job.Kind), jobData(job), analysis, resp.ErrorCode, msg, job.AttemptNumber+1, now)
		if derr != nil {
			r.log.WithError(derr).Warn("retry scheduler evaluate failed for sync delist")
		}
		if decision.ShouldRetry {
			return executor.Outcome{Retry: true, RetryAfter: decision.Delay, ErrorKind: string(analysis.Category)}
		}
		_, _ = r.sync.RecordOutcome(ctx, job.SyncJobID, job.PostID, job.Marketplace, false, msg, now)
		return executor.Outcome{Success: false, ErrorKind: string(analysis.Category)}
	}

	_, _ = r.sync.RecordOutcome(ctx, job.SyncJobID, job.PostID, job.Marketplace, true, "", now)
	return executor.Outcome{Success: true}
}

// runWebhookEvent reacts to a normalized ingested event: a sale starts the
// Sync Coordinator fan-out; anything else is a no-op acknowledgement
// (spec.md §4.7, §4.10 Trigger).
func (r *Runner) runWebhookEvent(ctx context.Context, job executor.Job) executor.Outcome {
	defer func() { _ = r.webhook.MarkProcessed(ctx, job.EventID, true) }()

	if webhookdomain.Kind(job.EventKind) != webhookdomain.KindSaleCompleted {
		return executor.Outcome{Success: true}
	}

	_, err := r.sync.Start(ctx, syncpkg.SaleEvent{
		UserID:            job.UserID,
		ListingExternalID: job.ListingExternalID,
		SoldMarketplace:   job.Marketplace,
		TriggerEventID:    job.EventID,
	})
	if err != nil {
		if _, ok := err.(syncpkg.ErrAlreadyActive); ok {
			return executor.Outcome{Success: true}
		}
		r.log.WithError(err).WithField("event_id", job.EventID).Warn("sync coordinator start failed")
		return executor.Outcome{Retry: true, RetryAfter: 10 * time.Second, ErrorKind: "temporary"}
	}
	return executor.Outcome{Success: true}
}

func (r *Runner) loadCandidates(ctx context.Context, userID string, mkt marketplace.Tag) ([]engines.Candidate, error) {
	listed, err := r.store.ListActivePostedListings(ctx, userID, mkt)
	if err != nil {
		return nil, err
	}
	out := make([]engines.Candidate, 0, len(listed))
	for _, lp := range listed {
		out = append(out, engines.Candidate{Listing: lp.Listing, Post: lp.Post})
	}
	return out, nil
}

func (r *Runner) disableRule(ctx context.Context, ruleID, reason string) {
	if err := r.store.DisableRule(ctx, ruleID, reason); err != nil {
		r.log.WithError(err).WithField("rule_id", ruleID).Warn("disable rule failed")
	}
}

func (r *Runner) logResult(ctx context.Context, userID, ruleID string, mkt marketplace.Tag, action string, status auditlog.Status, errorKind, reason string, duration time.Duration, sessionID string) {
	if r.audit == nil {
		return
	}
	_, err := r.audit.Append(ctx, audit.Record{
		UserID:      userID,
		RuleID:      ruleID,
		Marketplace: mkt,
		Action:      action,
		Status:      status,
		ErrorKind:   errorKind,
		Reason:      reason,
		Duration:    duration,
		SessionID:   sessionID,
	})
	if err != nil {
		r.log.WithError(err).Warn("audit append failed")
	}
}

func jobData(job executor.Job) map[string]interface{} {
	return map[string]interface{}{
		"kind":        string(job.Kind),
		"rule_id":     job.RuleID,
		"user_id":     job.UserID,
		"marketplace": string(job.Marketplace),
		"sync_job_id": job.SyncJobID,
		"listing_id":  job.ListingID,
		"post_id":     job.PostID,
		"external_id": job.ExternalID,
		"event_id":    job.EventID,
		"attempt_id":  job.AttemptID,
	}
}
