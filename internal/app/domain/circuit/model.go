// Package circuit models per-marketplace circuit breaker state.
package circuit

import (
	"time"

	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
)

// Phase is the closed set of breaker phases.
type Phase string

const (
	PhaseClosed   Phase = "closed"
	PhaseOpen     Phase = "open"
	PhaseHalfOpen Phase = "half_open"
)

// State is the persisted breaker state for one marketplace.
type State struct {
	Marketplace        marketplace.Tag
	Phase              Phase
	FailureCount       int
	SuccessCount       int // successes since the last phase change
	OpenedAt           time.Time
	NextRetryAllowedAt time.Time
	FailureThreshold   int
	RecoveryThreshold  int
	HalfOpenMaxReqs    int
	Timeout            time.Duration
	UpdatedAt          time.Time
}
