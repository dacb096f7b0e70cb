// Package schedule models an Automation Schedule: when its owning rule is
// next eligible to fire.
package schedule

import "time"

// Type is the closed set of schedule kinds.
type Type string

const (
	TypeCron       Type = "cron"
	TypeInterval   Type = "interval"
	TypeContinuous Type = "continuous"
	TypeTimeOfDay  Type = "time_of_day"
)

// MinContinuousInterval is the lower bound enforced on continuous-schedule
// intervals, to keep a misconfigured rule from hammering a marketplace.
const MinContinuousInterval = 60 * time.Second

// Schedule is an Automation Schedule.
type Schedule struct {
	ID     string
	RuleID string
	Type   Type

	// CronExpr + Timezone apply when Type == TypeCron.
	CronExpr string
	Timezone string

	// IntervalMinutes applies when Type == TypeInterval.
	IntervalMinutes int

	// IntervalSeconds applies when Type == TypeContinuous; resolved to at
	// least MinContinuousInterval.
	IntervalSeconds int

	// Hours applies when Type == TypeTimeOfDay: an ordered set of hours
	// (0-23) in the schedule's Timezone.
	Hours []int

	Active      bool
	StartDate   time.Time
	EndDate     time.Time
	MaxExecutions  int // 0 means unbounded
	ExecutionCount int
	LastRunAt      time.Time
	NextRunAt      time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Location resolves the schedule's configured zone, defaulting to UTC.
func (s Schedule) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// MaxExecutionsReached reports whether the schedule has used its execution
// budget (execution count never exceeds max executions).
func (s Schedule) MaxExecutionsReached() bool {
	if s.MaxExecutions <= 0 {
		return false
	}
	return s.ExecutionCount >= s.MaxExecutions
}

// WithinValidity reports whether now falls within the schedule's optional
// start/end validity window.
func (s Schedule) WithinValidity(now time.Time) bool {
	if !s.StartDate.IsZero() && now.Before(s.StartDate) {
		return false
	}
	if !s.EndDate.IsZero() && now.After(s.EndDate) {
		return false
	}
	return true
}

// IntervalLowerBound returns the minimum spacing required between firings
// for this schedule's type.
func (s Schedule) IntervalLowerBound() time.Duration {
	switch s.Type {
	case TypeInterval:
		return time.Duration(s.IntervalMinutes) * time.Minute
	case TypeContinuous:
		sec := s.IntervalSeconds
		if time.Duration(sec)*time.Second < MinContinuousInterval {
			return MinContinuousInterval
		}
		return time.Duration(sec) * time.Second
	default:
		return 0
	}
}
