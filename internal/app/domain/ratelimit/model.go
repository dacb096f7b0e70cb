// Package ratelimit models per-(marketplace, user, window) admission
// counters used to stay under each marketplace's request budget.
package ratelimit

import (
	"time"

	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
)

// WindowType is the closed set of accounting windows.
type WindowType string

const (
	WindowHourly WindowType = "hour"
	WindowDaily  WindowType = "day"
)

// Duration returns the calendar length of the window type.
func (w WindowType) Duration() time.Duration {
	switch w {
	case WindowDaily:
		return 24 * time.Hour
	default:
		return time.Hour
	}
}

// Counter is a fixed-window admission counter.
type Counter struct {
	Marketplace  marketplace.Tag
	UserID       string
	Window       WindowType
	WindowStart  time.Time
	Requests     int
	Successes    int
	Failures     int
	Cap          int
	Blocked      bool
	ResetAt      time.Time
}

// Remaining returns the admissible requests left in this window.
func (c Counter) Remaining() int {
	remaining := c.Cap - c.Requests
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Exhausted reports whether the counter has hit its cap or been blocked.
func (c Counter) Exhausted() bool {
	return c.Blocked || c.Requests >= c.Cap
}
