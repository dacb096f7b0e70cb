// Package retry models one recorded retry attempt against a failed job.
package retry

import (
	"time"

	"github.com/resaleflow/automation-core/internal/app/domain/failure"
)

// Entry records one retry attempt against a job.
type Entry struct {
	ID            string
	JobID         string
	AttemptNumber int
	Category      failure.Category
	ErrorCode     string
	ErrorMessage  string
	Delay         time.Duration
	NextRetryAt   time.Time
	CreatedAt     time.Time
}
