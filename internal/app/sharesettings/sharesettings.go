// Package sharesettings models the per-user share configuration described in
// spec.md §4.9 (a Poshmark-like example): pacing bounds, ordering, peak-hour
// multipliers, and party-share bounding.
package sharesettings

import "time"

// Counters tracks lifetime share volume for observability (spec.md §4.9).
type Counters struct {
	MonthTotal     int
	AllTimeTotal   int
	LastShareAt    time.Time
	LastBulkShareAt time.Time
}

// PeakWindow is a [start,end) hour-of-day window during which shares get a
// pacing multiplier.
type PeakWindow struct {
	StartHour int
	EndHour   int
}

// Contains reports whether hour falls within the window, handling windows
// that wrap past midnight.
func (w PeakWindow) Contains(hour int) bool {
	if w.StartHour <= w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

// Config is a per-user share configuration.
type Config struct {
	DailyShareLimit     int
	SharePerSession     int
	SessionBreakMinutes int

	MinShareInterval time.Duration
	MaxShareInterval time.Duration

	ShareOrder   string // one of rule.ShareOrder's values
	ReverseOrder bool

	PeakHoursEnabled bool
	PeakWindows      []PeakWindow
	PeakMultiplier   float64
	WeekendMultiplier float64

	PartyShare     bool
	MaxPartyShares int

	Counters Counters
}

// DefaultConfig mirrors spec.md §4.9's stated defaults.
func DefaultConfig() Config {
	return Config{
		DailyShareLimit:     5000,
		SharePerSession:      50,
		SessionBreakMinutes:  15,
		MinShareInterval:     60 * time.Second,
		MaxShareInterval:     180 * time.Second,
		ShareOrder:           "newest",
		PeakMultiplier:       1.5,
		WeekendMultiplier:    1.25,
		MaxPartyShares:       20,
	}
}

// Normalize enforces the "both >= 60s" floor on interval bounds (spec.md
// §4.9) and ensures Max >= Min.
func (c Config) Normalize() Config {
	floor := 60 * time.Second
	if c.MinShareInterval < floor {
		c.MinShareInterval = floor
	}
	if c.MaxShareInterval < c.MinShareInterval {
		c.MaxShareInterval = c.MinShareInterval
	}
	return c
}

// PacingMultiplier returns the multiplier that applies to the base pacing
// interval at the given instant: peak-hour and weekend multipliers compose
// multiplicatively with each other when both are configured.
func (c Config) PacingMultiplier(at time.Time) float64 {
	mult := 1.0
	if c.PeakHoursEnabled {
		hour := at.Hour()
		for _, w := range c.PeakWindows {
			if w.Contains(hour) {
				if c.PeakMultiplier > 0 {
					mult *= c.PeakMultiplier
				}
				break
			}
		}
	}
	if wd := at.Weekday(); wd == time.Saturday || wd == time.Sunday {
		if c.WeekendMultiplier > 0 {
			mult *= c.WeekendMultiplier
		}
	}
	return mult
}

// RemainingDailyShares returns how many more shares the day's counter
// permits, given shares already recorded today.
func (c Config) RemainingDailyShares(sharedToday int) int {
	remaining := c.DailyShareLimit - sharedToday
	if remaining < 0 {
		return 0
	}
	return remaining
}
