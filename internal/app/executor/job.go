// Package executor implements the Executor / Job Queue (C10): a bounded
// worker pool that carries a firing or sync sub-job through safety check,
// engine invocation, logging, and retry bookkeeping.
package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
)

// Kind is the closed set of job kinds the Executor drains.
type Kind string

const (
	KindFiring       Kind = "firing"
	KindSyncDelist   Kind = "sync_delist"
	KindWebhookEvent Kind = "webhook_event"
)

// Job is the unit of work the Executor carries end to end. TargetItems and
// ProcessedItems give an engine a resumable cursor so an at-least-once retry
// does not double-count partial progress (spec.md §4.8, §9 Open Question).
type Job struct {
	ID             string
	Kind           Kind
	RuleID         string // serialization key for firing jobs
	UserID         string
	Marketplace    marketplace.Tag
	Priority       int
	ScheduledFor   time.Time
	AttemptNumber  int
	AttemptID      string
	TargetItems    []string
	ProcessedItems []string
	IntervalSeconds int

	// Sync-job fields, populated when Kind == KindSyncDelist.
	SyncJobID  string
	ListingID  string
	PostID     string
	ExternalID string

	// Webhook-event fields, populated when Kind == KindWebhookEvent.
	EventID           string
	EventKind         string
	ListingExternalID string
	OccurredAt        time.Time
}

// RuleKey groups jobs that must serialize against the same rule's account
// effects (spec.md §4.2 Ordering guarantees: at most one firing per rule
// in flight). Sync sub-jobs use their sync job + target marketplace so
// per-target delists run independently of one another.
func (j Job) RuleKey() string {
	switch j.Kind {
	case KindSyncDelist:
		return "sync:" + j.SyncJobID + ":" + string(j.Marketplace)
	case KindWebhookEvent:
		return "webhook:" + j.EventID
	default:
		return "rule:" + j.RuleID
	}
}

// IdempotencyKey hashes (rule_id, action, attempt_id, listing_id) into a
// stable key (spec.md §9 Idempotency keys). No engine or Executor path calls
// it; outbound calls are not stamped and retries are not de-duplicated on it.
func IdempotencyKey(ruleID, action, attemptID, listingID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s", ruleID, action, attemptID, listingID)))
	return hex.EncodeToString(sum[:16])
}
