// Package user models the seller account that owns rules, connections, and
// listings.
package user

import "time"

// Plan caps the volume of listings and actions a user may automate.
type Plan struct {
	Name              string
	MaxActiveListings int
	MaxActionsPerDay  int
}

// OptimizationPreferences tunes engine behavior that is not rule-specific.
type OptimizationPreferences struct {
	PreferLuxuryPacing bool
	QuietHoursStart    int // hour of day, -1 disables
	QuietHoursEnd      int
}

// User is a seller account.
type User struct {
	ID          string
	Email       string
	TimeZone    string // IANA zone, e.g. "America/New_York"
	Plan        Plan
	Preferences OptimizationPreferences
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Location returns the user's configured zone, defaulting to UTC.
func (u User) Location() *time.Location {
	if u.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(u.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}
