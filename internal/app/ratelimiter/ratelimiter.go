// Package ratelimiter implements the per-(marketplace, user, window)
// admission control described in spec.md §4.3: fixed-window counters with
// explicit reset-time tracking, plus a minimum inter-request delay enforced
// through a token bucket for human-like pacing.
package ratelimiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	core "github.com/resaleflow/automation-core/internal/app/core/service"
	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	"github.com/resaleflow/automation-core/internal/app/domain/ratelimit"
	"github.com/resaleflow/automation-core/internal/app/storage"
	"github.com/resaleflow/automation-core/pkg/logger"
)

// Caps configures the default per-window admission caps applied the first
// time a (marketplace, user) pair is seen. Check takes no per-call override.
type Caps struct {
	Hourly int
	Daily  int
}

// Decision is the outcome of an admission Check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}

// Limiter is the Rate Limiter (C3).
type Limiter struct {
	store storage.RateLimitStore
	log   *logger.Logger
	caps  Caps

	minSpacing time.Duration

	mu      sync.Mutex
	pacing  map[string]*rate.Limiter // key: marketplace|user, human inter-request pacing
	holds   map[marketplace.Tag]time.Time
}

// Config bundles the Limiter's construction knobs.
type Config struct {
	DefaultHourlyCap  int
	DefaultDailyCap   int
	MinRequestSpacing time.Duration
}

// New builds a Limiter backed by store.
func New(store storage.RateLimitStore, cfg Config, log *logger.Logger) *Limiter {
	if log == nil {
		log = logger.NewDefault("rate-limiter")
	}
	if cfg.DefaultHourlyCap <= 0 {
		cfg.DefaultHourlyCap = 100
	}
	if cfg.DefaultDailyCap <= 0 {
		cfg.DefaultDailyCap = 1000
	}
	if cfg.MinRequestSpacing <= 0 {
		cfg.MinRequestSpacing = 2 * time.Second
	}
	return &Limiter{
		store:      store,
		log:        log,
		caps:       Caps{Hourly: cfg.DefaultHourlyCap, Daily: cfg.DefaultDailyCap},
		minSpacing: cfg.MinRequestSpacing,
		pacing:     make(map[string]*rate.Limiter),
		holds:      make(map[marketplace.Tag]time.Time),
	}
}

// Descriptor advertises placement for system.CollectDescriptors.
func (l *Limiter) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "rate-limiter",
		Domain:       "ratelimit",
		Layer:        core.LayerSecurity,
		Capabilities: []string{"admission-control", "human-pacing"},
	}
}

func windowStart(window ratelimit.WindowType, at time.Time) time.Time {
	at = at.UTC()
	switch window {
	case ratelimit.WindowDaily:
		return time.Date(at.Year(), at.Month(), at.Day(), 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(at.Year(), at.Month(), at.Day(), at.Hour(), 0, 0, 0, time.UTC)
	}
}

func pacingKey(mkt marketplace.Tag, userID string) string { return string(mkt) + "|" + userID }

// Check implements spec.md §4.3's check: compares every configured window
// to its cap, returning the farthest-future reset time across any exhausted
// window.
func (l *Limiter) Check(ctx context.Context, mkt marketplace.Tag, userID string, now time.Time) (Decision, error) {
	if until, blocked := l.blockedUntil(mkt, now); blocked {
		return Decision{Allowed: false, RetryAfter: until.Sub(now)}, nil
	}

	windows := []ratelimit.WindowType{ratelimit.WindowHourly, ratelimit.WindowDaily}
	remaining := -1
	var farthestReset time.Time
	for _, w := range windows {
		c, err := l.counterOrDefault(ctx, mkt, userID, w, now)
		if err != nil {
			return Decision{}, err
		}
		if c.Exhausted() {
			if c.ResetAt.After(farthestReset) {
				farthestReset = c.ResetAt
			}
		}
		if rem := c.Remaining(); remaining == -1 || rem < remaining {
			remaining = rem
		}
	}
	if !farthestReset.IsZero() {
		return Decision{Allowed: false, RetryAfter: farthestReset.Sub(now), Remaining: 0}, nil
	}
	return Decision{Allowed: true, Remaining: remaining}, nil
}

func (l *Limiter) capFor(window ratelimit.WindowType) int {
	if window == ratelimit.WindowDaily {
		return l.caps.Daily
	}
	return l.caps.Hourly
}

func (l *Limiter) counterOrDefault(ctx context.Context, mkt marketplace.Tag, userID string, window ratelimit.WindowType, now time.Time) (ratelimit.Counter, error) {
	ws := windowStart(window, now)
	c, err := l.store.GetCounter(ctx, mkt, userID, window, ws)
	if err == storage.ErrNotFound {
		return ratelimit.Counter{
			Marketplace: mkt,
			UserID:      userID,
			Window:      window,
			WindowStart: ws,
			Cap:         l.capFor(window),
			ResetAt:     ws.Add(window.Duration()),
		}, nil
	}
	return c, err
}

// Record implements spec.md §4.3's record: atomically increments the
// relevant counters for both windows. Each window's row is updated through
// a single IncrementCounter call per window so concurrent workers cannot
// jointly overshoot the cap — a Get-then-Upsert pair would race between the
// read and the write.
func (l *Limiter) Record(ctx context.Context, mkt marketplace.Tag, userID string, success bool, now time.Time) error {
	for _, w := range []ratelimit.WindowType{ratelimit.WindowHourly, ratelimit.WindowDaily} {
		ws := windowStart(w, now)
		if _, err := l.store.IncrementCounter(ctx, mkt, userID, w, ws, l.capFor(w), ws.Add(w.Duration()), success); err != nil {
			return err
		}
	}
	return l.store.RecordRequestTime(ctx, mkt, userID, now)
}

// ApplyHeaders overrides local window estimates with marketplace-reported
// quota headers until the next reset, per spec.md §4.3.
func (l *Limiter) ApplyHeaders(ctx context.Context, mkt marketplace.Tag, userID string, window ratelimit.WindowType, remaining int, resetAt time.Time, now time.Time) error {
	c, err := l.counterOrDefault(ctx, mkt, userID, window, now)
	if err != nil {
		return err
	}
	if remaining <= 0 {
		c.Blocked = true
	}
	c.Requests = c.Cap - remaining
	if c.Requests < 0 {
		c.Requests = 0
	}
	if !resetAt.IsZero() {
		c.ResetAt = resetAt
	}
	_, err = l.store.UpsertCounter(ctx, c)
	return err
}

// Block forces a marketplace-wide hold (spec.md §4.3's `block`), used when a
// marketplace signals a global cooldown independent of any one user's
// window.
func (l *Limiter) Block(mkt marketplace.Tag, until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holds[mkt] = until
}

func (l *Limiter) blockedUntil(mkt marketplace.Tag, now time.Time) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.holds[mkt]
	if !ok || !now.Before(until) {
		return time.Time{}, false
	}
	return until, true
}

// WaitPacing blocks until the minimum inter-request spacing for
// (marketplace, user) has elapsed, implementing the human-pacing token
// bucket. This is distinct from Check: Check is the hard admission cap,
// WaitPacing is the soft human-like cadence layered on top.
func (l *Limiter) WaitPacing(ctx context.Context, mkt marketplace.Tag, userID string) error {
	lim := l.pacingLimiter(mkt, userID)
	return lim.Wait(ctx)
}

func (l *Limiter) pacingLimiter(mkt marketplace.Tag, userID string) *rate.Limiter {
	key := pacingKey(mkt, userID)
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.pacing[key]
	if !ok {
		every := l.minSpacing
		if every <= 0 {
			every = time.Second
		}
		lim = rate.NewLimiter(rate.Every(every), 1)
		l.pacing[key] = lim
	}
	return lim
}
