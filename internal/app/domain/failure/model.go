// Package failure models the closed set of failure categories a categorizer
// maps raw errors into, and the per-category retry policy.
package failure

import "time"

// Category is the closed set of failure kinds.
type Category string

const (
	CategoryPermanent         Category = "permanent"
	CategoryValidation        Category = "validation"
	CategoryAuth              Category = "auth"
	CategoryNetwork           Category = "network"
	CategoryTemporary         Category = "temporary"
	CategoryRateLimit         Category = "rate_limit"
	CategoryMarketplaceError  Category = "marketplace_error"
)

// Policy is the fixed retry policy attached to a Category.
type Policy struct {
	ShouldRetry              bool
	MaxRetries               int
	BaseDelay                time.Duration
	MaxDelay                 time.Duration
	BackoffMultiplier        float64
	JitterRange              float64
	RequiresUserIntervention bool
	CircuitBreakerEnabled    bool
}

// Policies is the closed default policy table, one entry per Category.
var Policies = map[Category]Policy{
	CategoryPermanent: {
		ShouldRetry: false, MaxRetries: 0,
		BackoffMultiplier: 1.0, RequiresUserIntervention: true,
	},
	CategoryValidation: {
		ShouldRetry: false, MaxRetries: 0,
		BackoffMultiplier: 1.0, RequiresUserIntervention: true,
	},
	CategoryAuth: {
		ShouldRetry: true, MaxRetries: 1,
		BaseDelay: 60 * time.Second, MaxDelay: 300 * time.Second,
		BackoffMultiplier: 1.0, RequiresUserIntervention: true,
	},
	CategoryNetwork: {
		ShouldRetry: true, MaxRetries: 4,
		BaseDelay: 500 * time.Millisecond, MaxDelay: 15 * time.Second,
		BackoffMultiplier: 1.8, JitterRange: 0.15, CircuitBreakerEnabled: true,
	},
	CategoryTemporary: {
		ShouldRetry: true, MaxRetries: 3,
		BaseDelay: 1 * time.Second, MaxDelay: 30 * time.Second,
		BackoffMultiplier: 2.0, JitterRange: 0.10, CircuitBreakerEnabled: true,
	},
	CategoryRateLimit: {
		ShouldRetry: true, MaxRetries: 5,
		BaseDelay: 5 * time.Second, MaxDelay: 5 * time.Minute,
		BackoffMultiplier: 2.5, JitterRange: 0.20, CircuitBreakerEnabled: true,
	},
	CategoryMarketplaceError: {
		ShouldRetry: true, MaxRetries: 3,
		BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second,
		BackoffMultiplier: 2.2, JitterRange: 0.15, CircuitBreakerEnabled: true,
	},
}

// Analysis is the Categorizer's output for a single failed attempt.
type Analysis struct {
	Category                 Category
	ErrorType                string
	ShouldRetry              bool
	MaxRetries               int
	BaseDelay                time.Duration
	MaxDelay                 time.Duration
	BackoffMultiplier        float64
	JitterRange              float64
	RequiresUserIntervention bool
	CircuitBreakerEnabled    bool
	Confidence               float64
	Reasoning                string
	RetryAfter               time.Duration // set when the marketplace supplied one
}

// NewAnalysis builds an Analysis from the category's default policy,
// allowing the caller to override confidence/reasoning/retry-after.
func NewAnalysis(cat Category, errorType string, confidence float64, reasoning string) Analysis {
	p := Policies[cat]
	return Analysis{
		Category:                 cat,
		ErrorType:                errorType,
		ShouldRetry:              p.ShouldRetry,
		MaxRetries:               p.MaxRetries,
		BaseDelay:                p.BaseDelay,
		MaxDelay:                 p.MaxDelay,
		BackoffMultiplier:        p.BackoffMultiplier,
		JitterRange:              p.JitterRange,
		RequiresUserIntervention: p.RequiresUserIntervention,
		CircuitBreakerEnabled:    p.CircuitBreakerEnabled,
		Confidence:               confidence,
		Reasoning:                reasoning,
	}
}
