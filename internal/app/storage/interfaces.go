// Package storage defines the persistence contracts consumed by every other
// subsystem, plus in-memory and Postgres implementations of them.
package storage

import (
	"context"
	"time"

	"github.com/resaleflow/automation-core/internal/app/domain/auditlog"
	"github.com/resaleflow/automation-core/internal/app/domain/circuit"
	"github.com/resaleflow/automation-core/internal/app/domain/deadletter"
	"github.com/resaleflow/automation-core/internal/app/domain/listing"
	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	"github.com/resaleflow/automation-core/internal/app/domain/ratelimit"
	"github.com/resaleflow/automation-core/internal/app/domain/retry"
	"github.com/resaleflow/automation-core/internal/app/domain/rule"
	"github.com/resaleflow/automation-core/internal/app/domain/schedule"
	syncdomain "github.com/resaleflow/automation-core/internal/app/domain/sync"
	"github.com/resaleflow/automation-core/internal/app/domain/user"
	"github.com/resaleflow/automation-core/internal/app/domain/webhook"
)

// UserStore persists User records.
type UserStore interface {
	GetUser(ctx context.Context, id string) (user.User, error)
	UserExists(ctx context.Context, id string) (bool, error)
	DisableRulesForUser(ctx context.Context, id string) error
}

// ConnectionStore persists Marketplace Connections.
type ConnectionStore interface {
	GetConnection(ctx context.Context, userID string, mkt marketplace.Tag) (marketplace.Connection, error)
	UpsertConnection(ctx context.Context, conn marketplace.Connection) (marketplace.Connection, error)
	SetConnected(ctx context.Context, userID string, mkt marketplace.Tag, connected bool) error
}

// ListingStore persists Listings and Listing Posts.
type ListingStore interface {
	GetListing(ctx context.Context, id string) (listing.Listing, error)
	ListPostsForListing(ctx context.Context, listingID string) ([]listing.Post, error)
	FindPostByExternalID(ctx context.Context, mkt marketplace.Tag, externalID string) (listing.Post, error)
	UpdatePostStatus(ctx context.Context, postID string, status listing.PostStatus) error
	// ListActivePostedListings returns every active listing owned by userID
	// that carries a posted Listing Post on mkt, paired with that post. An
	// engine's candidate set for a firing is drawn from this.
	ListActivePostedListings(ctx context.Context, userID string, mkt marketplace.Tag) ([]ListingWithPost, error)
}

// ListingWithPost pairs a Listing with its post on one marketplace.
type ListingWithPost struct {
	Listing listing.Listing
	Post    listing.Post
}

// RuleStore persists Automation Rules.
type RuleStore interface {
	CreateRule(ctx context.Context, r rule.Rule) (rule.Rule, error)
	UpdateRule(ctx context.Context, r rule.Rule) (rule.Rule, error)
	GetRule(ctx context.Context, id string) (rule.Rule, error)
	ListRules(ctx context.Context, userID string) ([]rule.Rule, error)
	DisableRule(ctx context.Context, id string, reason string) error
}

// ScheduleStore persists Automation Schedules.
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error)
	UpdateSchedule(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error)
	GetSchedule(ctx context.Context, id string) (schedule.Schedule, error)
	ListSchedulesForRule(ctx context.Context, ruleID string) ([]schedule.Schedule, error)
	ListActiveSchedules(ctx context.Context) ([]schedule.Schedule, error)
	DeactivateSchedulesForRule(ctx context.Context, ruleID string) error
	DeactivateAllSchedules(ctx context.Context) error
}

// AuditLogStore appends Automation Log entries.
type AuditLogStore interface {
	AppendLog(ctx context.Context, e auditlog.Entry) (auditlog.Entry, error)
	ListLogsForRule(ctx context.Context, ruleID string, limit int) ([]auditlog.Entry, error)
}

// RateLimitStore persists Rate Limit Counters.
type RateLimitStore interface {
	GetCounter(ctx context.Context, mkt marketplace.Tag, userID string, window ratelimit.WindowType, windowStart time.Time) (ratelimit.Counter, error)
	UpsertCounter(ctx context.Context, c ratelimit.Counter) (ratelimit.Counter, error)
	// IncrementCounter atomically bumps a window's request/success/failure
	// counts, creating the row with the given cap/resetAt on first use. It
	// is a single-row compare-and-set (spec.md §4.3, §5): callers must use
	// it instead of a Get-then-Upsert pair so concurrent workers cannot
	// jointly overshoot the window's cap.
	IncrementCounter(ctx context.Context, mkt marketplace.Tag, userID string, window ratelimit.WindowType, windowStart time.Time, windowCap int, resetAt time.Time, success bool) (ratelimit.Counter, error)
	LastRequestAt(ctx context.Context, mkt marketplace.Tag, userID string) (time.Time, error)
	RecordRequestTime(ctx context.Context, mkt marketplace.Tag, userID string, at time.Time) error
}

// CircuitStore persists Circuit Breaker State.
type CircuitStore interface {
	GetCircuit(ctx context.Context, mkt marketplace.Tag) (circuit.State, error)
	UpsertCircuit(ctx context.Context, s circuit.State) (circuit.State, error)
}

// RetryStore persists Retry History Entries.
type RetryStore interface {
	AppendRetry(ctx context.Context, e retry.Entry) (retry.Entry, error)
	ListRetriesForJob(ctx context.Context, jobID string) ([]retry.Entry, error)
}

// DeadLetterStore persists Dead Letter Entries.
type DeadLetterStore interface {
	CreateDeadLetter(ctx context.Context, e deadletter.Entry) (deadletter.Entry, error)
	ListDeadLetters(ctx context.Context) ([]deadletter.Entry, error)
	ResolveDeadLetter(ctx context.Context, id string, status deadletter.ResolutionStatus) error
}

// WebhookStore persists Webhook Configurations, Events, and Polling
// Schedules.
type WebhookStore interface {
	GetWebhookConfig(ctx context.Context, userID string, mkt marketplace.Tag) (webhook.Configuration, error)
	FindEventByExternalID(ctx context.Context, mkt marketplace.Tag, externalEventID string) (webhook.Event, error)
	CreateEvent(ctx context.Context, e webhook.Event) (webhook.Event, error)
	UpdateEventStatus(ctx context.Context, id string, status webhook.EventStatus) error
	GetPollingSchedule(ctx context.Context, userID string, mkt marketplace.Tag) (webhook.PollingSchedule, error)
	UpsertPollingSchedule(ctx context.Context, p webhook.PollingSchedule) (webhook.PollingSchedule, error)
}

// SyncStore persists Cross-Platform Sync Jobs.
type SyncStore interface {
	ActiveSyncJob(ctx context.Context, listingID, triggerEventID string) (syncdomain.Job, bool, error)
	GetSyncJob(ctx context.Context, id string) (syncdomain.Job, error)
	CreateSyncJob(ctx context.Context, j syncdomain.Job) (syncdomain.Job, error)
	UpdateSyncJob(ctx context.Context, j syncdomain.Job) (syncdomain.Job, error)
}

// Store aggregates every Record Store contract the core depends on. Memory
// and Postgres each implement it in full.
type Store interface {
	UserStore
	ConnectionStore
	ListingStore
	RuleStore
	ScheduleStore
	AuditLogStore
	RateLimitStore
	CircuitStore
	RetryStore
	DeadLetterStore
	WebhookStore
	SyncStore
}

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }
