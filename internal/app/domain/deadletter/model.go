// Package deadletter models jobs quarantined after retries are exhausted or
// a non-retryable failure requires manual attention.
package deadletter

import (
	"time"

	"github.com/resaleflow/automation-core/internal/app/domain/failure"
)

// ResolutionStatus is the closed set of DLQ entry outcomes.
type ResolutionStatus string

const (
	ResolutionPendingReview ResolutionStatus = "requires_manual_review"
	ResolutionDiscarded     ResolutionStatus = "discarded"
	ResolutionResolved      ResolutionStatus = "resolved"
)

// FailureHistoryEntry is one recorded attempt leading up to quarantine.
type FailureHistoryEntry struct {
	AttemptNumber int
	Category      failure.Category
	ErrorMessage  string
	AttemptedAt   time.Time
}

// Entry is a Dead Letter Entry: an irrecoverable job quarantined after
// retries are exhausted or a non-retryable category requires user
// intervention.
type Entry struct {
	ID                string
	OriginalJobID     string
	JobType           string
	JobData           map[string]interface{}
	FinalCategory     failure.Category
	TotalAttempts     int
	FirstFailureAt    time.Time
	LastFailureAt     time.Time
	FailureHistory    []FailureHistoryEntry
	ResolutionStatus  ResolutionStatus
	CreatedAt         time.Time
}

// ResolutionFor derives the resolution status for a newly quarantined entry:
// validation failures are discarded outright, everything else awaits review.
func ResolutionFor(cat failure.Category) ResolutionStatus {
	if cat == failure.CategoryValidation {
		return ResolutionDiscarded
	}
	return ResolutionPendingReview
}
