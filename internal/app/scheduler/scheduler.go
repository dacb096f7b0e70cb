// Package scheduler implements the Scheduler (C9): it maintains, for every
// active schedule, the next eligible firing time and hands due firings to
// the Executor.
package scheduler

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	core "github.com/resaleflow/automation-core/internal/app/core/service"
	"github.com/resaleflow/automation-core/internal/app/domain/rule"
	"github.com/resaleflow/automation-core/internal/app/domain/schedule"
	"github.com/resaleflow/automation-core/internal/app/storage"
	"github.com/resaleflow/automation-core/internal/app/system"
	"github.com/resaleflow/automation-core/pkg/logger"
)

var _ system.Service = (*Scheduler)(nil)

// Firing is a single scheduled execution of a rule, handed to the Executor.
// Priority lives here rather than as ad-hoc metadata (spec.md §9 Open
// Question), since the Executor's queue ordering needs it as first-class
// state; an engine's resume cursor is executor.Job's ProcessedItems, not a
// Firing field.
type Firing struct {
	RuleID         string
	ScheduleID     string
	UserID         string
	Priority       int
	ScheduledFor   time.Time
	IntervalSeconds int // echoes the firing schedule's cadence, for engines that scale batch size to it
}

// cronParser accepts the five-field standard cron form used throughout the
// teacher's stack and the wider example pack.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Scheduler is single-writer for its in-memory due-time index; all other
// callers interact with it through Activate/Deactivate/DueFirings rather
// than mutating state directly (spec.md §4.1 Concurrency).
type Scheduler struct {
	store storage.ScheduleStore
	rules storage.RuleStore
	log   *logger.Logger
	clock func() time.Time

	mu      sync.Mutex
	paused  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool

	pollInterval time.Duration
	onDue        func(ctx context.Context, firings []Firing)
}

// New builds a Scheduler backed by store/rules.
func New(store storage.ScheduleStore, rules storage.RuleStore, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Scheduler{
		store:        store,
		rules:        rules,
		log:          log,
		clock:        func() time.Time { return time.Now().UTC() },
		pollInterval: 5 * time.Second,
	}
}

// WithClock overrides the time source, for deterministic tests.
func (s *Scheduler) WithClock(clock func() time.Time) *Scheduler {
	s.clock = clock
	return s
}

// WithPollInterval overrides the background tick cadence.
func (s *Scheduler) WithPollInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.pollInterval = d
	}
	return s
}

// WithDueHandler registers the callback invoked with each tick's due
// firings. The Application wires this to the Executor's submit path.
func (s *Scheduler) WithDueHandler(fn func(ctx context.Context, firings []Firing)) *Scheduler {
	s.onDue = fn
	return s
}

// Name implements system.Service.
func (s *Scheduler) Name() string { return "scheduler" }

// Descriptor advertises placement for system.CollectDescriptors.
func (s *Scheduler) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "scheduler",
		Domain:       "automation",
		Layer:        core.LayerEngine,
		Capabilities: []string{"cron", "interval", "continuous", "time_of_day"},
	}
}

// Start begins the background polling loop that drives DueFirings into the
// registered handler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.tick(runCtx)
			}
		}
	}()

	s.log.Info("scheduler started")
	return nil
}

// Stop halts the polling loop.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	firings, err := s.DueFirings(ctx, s.clock())
	if err != nil {
		s.log.WithError(err).Warn("scheduler tick failed")
		return
	}
	if len(firings) == 0 || s.onDue == nil {
		return
	}
	s.onDue(ctx, firings)
}

// Activate loads every active schedule belonging to rule_id and computes
// next_run_at for each (spec.md §4.1 activate).
func (s *Scheduler) Activate(ctx context.Context, ruleID string) error {
	now := s.clock()
	schedules, err := s.store.ListSchedulesForRule(ctx, ruleID)
	if err != nil {
		return err
	}
	for _, sch := range schedules {
		if !sch.Active {
			continue
		}
		next, err := s.NextRun(sch, now)
		if err != nil {
			s.log.WithError(err).WithField("schedule_id", sch.ID).Warn("unparseable schedule expression; demoting to inactive")
			sch.Active = false
			if _, uerr := s.store.UpdateSchedule(ctx, sch); uerr != nil {
				return uerr
			}
			continue
		}
		sch.NextRunAt = next
		if _, err := s.store.UpdateSchedule(ctx, sch); err != nil {
			return err
		}
	}
	return nil
}

// Deactivate marks every schedule of rule_id inactive (spec.md §4.1
// deactivate); in-memory timers are implicit since DueFirings re-derives
// eligibility from persisted state on every tick.
func (s *Scheduler) Deactivate(ctx context.Context, ruleID string) error {
	return s.store.DeactivateSchedulesForRule(ctx, ruleID)
}

// DeactivateAll sets the process-wide emergency pause and clears all active
// schedules (spec.md §4.1 deactivate_all).
func (s *Scheduler) DeactivateAll(ctx context.Context) error {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	return s.store.DeactivateAllSchedules(ctx)
}

// ReactivateAll clears the emergency pause; callers are responsible for
// re-activating individual rules/schedules afterward (spec.md §4.1
// reactivate_all re-loads active schedules, which here means the next tick
// will naturally pick up whatever schedules callers re-enable).
func (s *Scheduler) ReactivateAll(ctx context.Context) {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

// Paused reports whether the emergency pause is in effect.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// DueFirings returns every active, eligible schedule whose next_run_at has
// elapsed, recomputing next_run_at for each as it fires (spec.md §4.1
// due_firings). It is idempotent across restarts: a schedule not handed off
// before a crash is recovered purely from its persisted next_run_at.
func (s *Scheduler) DueFirings(ctx context.Context, now time.Time) ([]Firing, error) {
	if s.Paused() {
		return nil, nil
	}

	schedules, err := s.store.ListActiveSchedules(ctx)
	if err != nil {
		return nil, err
	}

	var firings []Firing
	for _, sch := range schedules {
		if sch.NextRunAt.IsZero() || sch.NextRunAt.After(now) {
			continue
		}
		r, err := s.rules.GetRule(ctx, sch.RuleID)
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return nil, err
		}
		if !s.eligible(sch, r, now) {
			continue
		}

		firings = append(firings, Firing{
			RuleID:          r.ID,
			ScheduleID:      sch.ID,
			UserID:          r.UserID,
			Priority:        priorityFor(sch),
			ScheduledFor:    now,
			IntervalSeconds: sch.IntervalSeconds,
		})

		next, err := s.NextRun(sch, now)
		if err != nil {
			s.log.WithError(err).WithField("schedule_id", sch.ID).Warn("unparseable schedule expression; demoting to inactive")
			sch.Active = false
		} else {
			sch.NextRunAt = next
		}
		sch.LastRunAt = now
		sch.ExecutionCount++
		if _, err := s.store.UpdateSchedule(ctx, sch); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(firings, func(i, j int) bool {
		if firings[i].Priority != firings[j].Priority {
			return firings[i].Priority > firings[j].Priority
		}
		return firings[i].ScheduledFor.Before(firings[j].ScheduledFor)
	})
	return firings, nil
}

func priorityFor(sch schedule.Schedule) int {
	if sch.Type == schedule.TypeContinuous {
		return -1 // continuous schedules yield to timed ones under contention
	}
	return 0
}

// eligible implements spec.md §4.1's eligibility checklist.
func (s *Scheduler) eligible(sch schedule.Schedule, r rule.Rule, now time.Time) bool {
	if !sch.Active || !r.Enabled {
		return false
	}
	if sch.MaxExecutionsReached() {
		return false
	}
	if !sch.WithinValidity(now) {
		return false
	}
	if lb := sch.IntervalLowerBound(); lb > 0 && !sch.LastRunAt.IsZero() {
		if now.Sub(sch.LastRunAt) < lb {
			return false
		}
	}
	return true
}

// NextRun recomputes next_run_at for sch given the current instant, per the
// per-type algorithm in spec.md §4.1.
func (s *Scheduler) NextRun(sch schedule.Schedule, now time.Time) (time.Time, error) {
	switch sch.Type {
	case schedule.TypeCron:
		spec, err := cronParser.Parse(sch.CronExpr)
		if err != nil {
			return time.Time{}, err
		}
		loc := sch.Location()
		next := spec.Next(now.In(loc))
		return next.UTC(), nil
	case schedule.TypeInterval:
		minutes := sch.IntervalMinutes
		if minutes <= 0 {
			minutes = 1
		}
		return now.Add(time.Duration(minutes) * time.Minute), nil
	case schedule.TypeContinuous:
		base := time.Duration(sch.IntervalSeconds) * time.Second
		if base < schedule.MinContinuousInterval {
			base = schedule.MinContinuousInterval
		}
		jitter := 1 + (rand.Float64()*0.2 - 0.1) // U[-0.1, +0.1]
		return now.Add(time.Duration(float64(base) * jitter)), nil
	case schedule.TypeTimeOfDay:
		return nextTimeOfDay(sch, now), nil
	default:
		return now.Add(time.Hour), nil
	}
}

// nextTimeOfDay finds the smallest configured hour greater than the current
// hour today (in the schedule's zone); if none remain today it uses the
// first configured hour tomorrow.
func nextTimeOfDay(sch schedule.Schedule, now time.Time) time.Time {
	loc := sch.Location()
	local := now.In(loc)
	hours := append([]int(nil), sch.Hours...)
	sort.Ints(hours)
	if len(hours) == 0 {
		hours = []int{0}
	}
	for _, h := range hours {
		if h > local.Hour() {
			return time.Date(local.Year(), local.Month(), local.Day(), h, 0, 0, 0, loc).UTC()
		}
	}
	tomorrow := local.AddDate(0, 0, 1)
	return time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), hours[0], 0, 0, 0, loc).UTC()
}

// ValidateCronExpr rejects a bad cron expression at rule-creation time
// (spec.md §4.1 Failure semantics).
func ValidateCronExpr(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}
