// Package app wires every subsystem (Scheduler, Executor/Job Queue, Rate
// Limiter, Circuit Breaker, Failure Categorizer, Retry Scheduler/DLQ,
// Marketplace Engines, Webhook Ingestor, Cross-Platform Sync Coordinator,
// Audit Log) into a single process, grouped under one lifecycle manager.
package app

import (
	"context"
	"fmt"

	"github.com/resaleflow/automation-core/internal/app/audit"
	"github.com/resaleflow/automation-core/internal/app/categorizer"
	"github.com/resaleflow/automation-core/internal/app/domain/circuit"
	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	"github.com/resaleflow/automation-core/internal/app/engines"
	"github.com/resaleflow/automation-core/internal/app/executor"
	"github.com/resaleflow/automation-core/internal/app/ratelimiter"
	"github.com/resaleflow/automation-core/internal/app/resilience"
	"github.com/resaleflow/automation-core/internal/app/retryscheduler"
	"github.com/resaleflow/automation-core/internal/app/runner"
	"github.com/resaleflow/automation-core/internal/app/scheduler"
	"github.com/resaleflow/automation-core/internal/app/storage"
	syncpkg "github.com/resaleflow/automation-core/internal/app/sync"
	"github.com/resaleflow/automation-core/internal/app/system"
	webhookpkg "github.com/resaleflow/automation-core/internal/app/webhook"
	"github.com/resaleflow/automation-core/pkg/config"
	"github.com/resaleflow/automation-core/pkg/logger"
	"github.com/resaleflow/automation-core/pkg/metrics"
)

// Clients maps a marketplace tag to the wire-protocol client an Engine calls
// through. The real per-marketplace protocol is an external collaborator
// (spec.md §1); callers supply concrete or mock implementations keyed by the
// tag they want an engine wired for.
type Clients map[marketplace.Tag]engines.MarketplaceClient

// PoshmarkTag is the marketplace tag that receives the share-pacing engine
// variant (internal/app/engines/poshmark.go) instead of the generic one.
const PoshmarkTag marketplace.Tag = "poshmark"

// Option customizes Application construction.
type Option func(*builderConfig)

type builderConfig struct {
	patterns categorizer.PatternTable
}

// WithMarketplacePatterns registers the marketplace-specific error-code/regex
// table the Failure Categorizer consults before its generic fallbacks
// (spec.md §4.4 step 3).
func WithMarketplacePatterns(patterns categorizer.PatternTable) Option {
	return func(b *builderConfig) { b.patterns = patterns }
}

// Application owns every subsystem's lifecycle through an embedded
// system.Manager, plus direct handles callers need for request-time
// operations (registering rules, ingesting webhooks, reading audit history).
type Application struct {
	*system.Manager

	log *logger.Logger

	Metrics     *metrics.Registry
	Store       storage.Store
	Scheduler   *scheduler.Scheduler
	Executor    *executor.Executor
	RateLimiter *ratelimiter.Limiter
	Breaker     *resilience.Breaker
	Categorizer *categorizer.Categorizer
	Retry       *retryscheduler.Scheduler
	Audit       *audit.Log
	Sync        *syncpkg.Coordinator
	Webhook     *webhookpkg.Ingestor
	Engines     runner.Registry
}

// New builds an Application from cfg, a Record Store (nil defaults to an
// in-memory store, for tests and local development), and one
// MarketplaceClient per marketplace the process should act on.
func New(cfg *config.Config, store storage.Store, clients Clients, log *logger.Logger, opts ...Option) (*Application, error) {
	if cfg == nil {
		cfg = config.New()
	}
	if store == nil {
		store = storage.NewMemory()
	}
	if log == nil {
		log = logger.NewDefault("app")
	}

	var b builderConfig
	for _, opt := range opts {
		opt(&b)
	}

	met := metrics.New()
	manager := system.NewManager()

	limiter := ratelimiter.New(store, ratelimiter.Config{
		DefaultHourlyCap:  cfg.RateLimiter.DefaultHourlyCap,
		DefaultDailyCap:   cfg.RateLimiter.DefaultDailyCap,
		MinRequestSpacing: cfg.RateLimiter.MinRequestSpacing,
	}, log)

	breaker := resilience.New(store, resilience.Config{
		FailureThreshold:    cfg.CircuitBreaker.FailureThreshold,
		RecoveryThreshold:   cfg.CircuitBreaker.RecoveryThreshold,
		HalfOpenMaxRequests: cfg.CircuitBreaker.HalfOpenMaxRequests,
		Timeout:             cfg.CircuitBreaker.Timeout,
		MaxTimeout:          cfg.CircuitBreaker.MaxTimeout,
	}, log).WithOnStateChange(func(mkt marketplace.Tag, from, to circuit.Phase) {})

	categorizerInst := categorizer.New(b.patterns)
	retrySched := retryscheduler.New(store, store, log, met)
	auditLog := audit.New(store, log)

	registry := make(runner.Registry, len(clients))
	for mkt, client := range clients {
		if mkt == PoshmarkTag {
			registry[mkt] = engines.NewPoshmarkEngine(mkt, client, limiter, breaker, log)
		} else {
			registry[mkt] = engines.NewGenericEngine(mkt, client, limiter, breaker, log)
		}
	}

	execCfg := executor.Config{
		Workers:        cfg.Executor.Workers,
		ActionDeadline: cfg.Executor.ActionDeadline,
	}

	exec := executor.New(execCfg, nil, log, met)
	sched := scheduler.New(store, store, log).WithPollInterval(cfg.Scheduler.PollInterval)
	syncCoord := syncpkg.New(store, store, exec, log, met)
	webhookIngest := webhookpkg.New(store, exec, log, met)

	run := runner.New(store, registry, categorizerInst, retrySched, auditLog, syncCoord, webhookIngest, log, met)
	exec.SetRunner(run)

	sched.WithDueHandler(func(ctx context.Context, firings []scheduler.Firing) {
		for _, f := range firings {
			exec.Submit(executor.Job{
				ID:              fmt.Sprintf("%s:%d", f.RuleID, f.ScheduledFor.UnixNano()),
				Kind:            executor.KindFiring,
				RuleID:          f.RuleID,
				UserID:          f.UserID,
				Priority:        f.Priority,
				ScheduledFor:    f.ScheduledFor,
				AttemptID:       fmt.Sprintf("%s:%d", f.ScheduleID, f.ScheduledFor.UnixNano()),
				IntervalSeconds: f.IntervalSeconds,
			})
		}
	})

	for _, svc := range []system.Service{sched, exec} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	// The remaining subsystems own no background loop of their own; they are
	// exercised at request time through the Runner. Wrap each so its
	// Descriptor still surfaces through Application.Descriptors().
	descriptorOnly := []struct {
		name     string
		provider system.DescriptorProvider
	}{
		{"rate-limiter", limiter},
		{"circuit-breaker", breaker},
		{"failure-categorizer", categorizerInst},
		{"retry-scheduler", retrySched},
		{"audit-log", auditLog},
		{"sync-coordinator", syncCoord},
		{"webhook-ingestor", webhookIngest},
		{"job-runner", run},
	}
	for _, d := range descriptorOnly {
		svc := system.DescriptorOnly{
			NoopService: system.NoopService{ServiceName: d.name},
			Provider:    d.provider,
		}
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", d.name, err)
		}
	}

	return &Application{
		Manager:     manager,
		log:         log,
		Metrics:     met,
		Store:       store,
		Scheduler:   sched,
		Executor:    exec,
		RateLimiter: limiter,
		Breaker:     breaker,
		Categorizer: categorizerInst,
		Retry:       retrySched,
		Audit:       auditLog,
		Sync:        syncCoord,
		Webhook:     webhookIngest,
		Engines:     registry,
	}, nil
}

// EmergencyStop implements spec.md §7's emergency stop: it pauses the
// Executor's dispatch loop and deactivates every schedule, so nothing new
// fires while in-flight work drains to its current batch boundary.
func (a *Application) EmergencyStop(ctx context.Context) error {
	a.Executor.Pause()
	return a.Scheduler.DeactivateAll(ctx)
}

// Resume clears the emergency stop. Callers are responsible for
// re-activating the individual rules/schedules they want to resume.
func (a *Application) Resume(ctx context.Context) {
	a.Executor.Resume()
	a.Scheduler.ReactivateAll(ctx)
}
