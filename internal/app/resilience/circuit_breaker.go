// Package resilience provides the per-marketplace circuit breaker gate (C5)
// that sits in front of every outbound marketplace call.
package resilience

import (
	"context"
	"sync"
	"time"

	core "github.com/resaleflow/automation-core/internal/app/core/service"
	"github.com/resaleflow/automation-core/internal/app/domain/circuit"
	"github.com/resaleflow/automation-core/internal/app/domain/marketplace"
	"github.com/resaleflow/automation-core/internal/app/storage"
	"github.com/resaleflow/automation-core/pkg/logger"
)

// ErrCircuitOpen is returned by Allow when a marketplace's breaker is open
// and its retry window has not yet elapsed.
var ErrCircuitOpen = circuitOpenError{}

type circuitOpenError struct{}

func (circuitOpenError) Error() string { return "circuit_open" }

// Config holds the default thresholds applied to a marketplace the first
// time its breaker state is created.
type Config struct {
	FailureThreshold    int
	RecoveryThreshold   int
	HalfOpenMaxRequests int
	Timeout             time.Duration
	MaxTimeout          time.Duration
}

// DefaultConfig mirrors spec.md §4.5's stated defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		RecoveryThreshold:   3,
		HalfOpenMaxRequests: 3,
		Timeout:             60 * time.Second,
		MaxTimeout:          10 * time.Minute,
	}
}

// StateChangeFunc observes a marketplace's breaker transitioning phases.
type StateChangeFunc func(mkt marketplace.Tag, from, to circuit.Phase)

// Breaker is the per-marketplace circuit breaker registry. Breaker state is
// shared across all users of a marketplace (spec.md §4.5), so it is keyed
// purely by marketplace tag and persisted through the Record Store.
type Breaker struct {
	store  storage.CircuitStore
	log    *logger.Logger
	cfg    Config
	onFlip StateChangeFunc

	mu          sync.Mutex
	halfOpenReq map[marketplace.Tag]int // admitted half-open probes since last phase change
}

// New builds a Breaker backed by store, a Record Store of circuit state.
func New(store storage.CircuitStore, cfg Config, log *logger.Logger) *Breaker {
	if log == nil {
		log = logger.NewDefault("circuit-breaker")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RecoveryThreshold <= 0 {
		cfg.RecoveryThreshold = DefaultConfig().RecoveryThreshold
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = DefaultConfig().HalfOpenMaxRequests
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = DefaultConfig().MaxTimeout
	}
	return &Breaker{
		store:       store,
		log:         log,
		cfg:         cfg,
		halfOpenReq: make(map[marketplace.Tag]int),
	}
}

// WithOnStateChange registers a callback invoked after every phase
// transition, for metrics/audit wiring.
func (b *Breaker) WithOnStateChange(fn StateChangeFunc) *Breaker {
	b.onFlip = fn
	return b
}

// Descriptor advertises placement for system.CollectDescriptors.
func (b *Breaker) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "circuit-breaker",
		Domain:       "resilience",
		Layer:        core.LayerSecurity,
		Capabilities: []string{"admission-gate"},
	}
}

func (b *Breaker) stateFor(ctx context.Context, mkt marketplace.Tag) (circuit.State, error) {
	s, err := b.store.GetCircuit(ctx, mkt)
	if err == storage.ErrNotFound {
		s = circuit.State{
			Marketplace:       mkt,
			Phase:             circuit.PhaseClosed,
			FailureThreshold:  b.cfg.FailureThreshold,
			RecoveryThreshold: b.cfg.RecoveryThreshold,
			HalfOpenMaxReqs:   b.cfg.HalfOpenMaxRequests,
			Timeout:           b.cfg.Timeout,
		}
		return s, nil
	}
	return s, err
}

// Allow reports whether a call to mkt may proceed. In the open phase it
// transitions to half_open once next_retry_at has elapsed and admits the
// call as the first half-open probe; in half_open it admits at most
// HalfOpenMaxReqs probes in total until the phase changes again (a finished
// probe does not free a slot). Returns ErrCircuitOpen when rejecting.
func (b *Breaker) Allow(ctx context.Context, mkt marketplace.Tag, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.stateFor(ctx, mkt)
	if err != nil {
		return err
	}

	switch s.Phase {
	case circuit.PhaseOpen:
		if now.Before(s.NextRetryAllowedAt) {
			return ErrCircuitOpen
		}
		from := s.Phase
		s.Phase = circuit.PhaseHalfOpen
		s.SuccessCount = 0
		s.FailureCount = 0
		s.UpdatedAt = now
		if _, err := b.store.UpsertCircuit(ctx, s); err != nil {
			return err
		}
		b.halfOpenReq[mkt] = 1
		b.notify(mkt, from, s.Phase)
		return nil
	case circuit.PhaseHalfOpen:
		if b.halfOpenReq[mkt] >= s.HalfOpenMaxReqs {
			return ErrCircuitOpen
		}
		b.halfOpenReq[mkt]++
		return nil
	default:
		return nil
	}
}

// RecordSuccess registers a successful call. In half_open it counts toward
// RecoveryThreshold; in closed it decrements the failure count by one
// (floor zero) so a single flaky call does not carry long-term memory.
func (b *Breaker) RecordSuccess(ctx context.Context, mkt marketplace.Tag, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.stateFor(ctx, mkt)
	if err != nil {
		return err
	}

	switch s.Phase {
	case circuit.PhaseHalfOpen:
		s.SuccessCount++
		if s.SuccessCount >= s.RecoveryThreshold {
			from := s.Phase
			s.Phase = circuit.PhaseClosed
			s.FailureCount = 0
			s.SuccessCount = 0
			s.Timeout = b.cfg.Timeout
			delete(b.halfOpenReq, mkt)
			s.UpdatedAt = now
			if _, err := b.store.UpsertCircuit(ctx, s); err != nil {
				return err
			}
			b.notify(mkt, from, s.Phase)
			return nil
		}
	case circuit.PhaseClosed:
		if s.FailureCount > 0 {
			s.FailureCount--
		}
	}
	s.UpdatedAt = now
	_, err = b.store.UpsertCircuit(ctx, s)
	return err
}

// RecordFailure registers a failure that has circuit_breaker_enabled=true
// per the categorizer's analysis (spec.md §4.4 table). A failure while
// half_open reopens the breaker and doubles the timeout, capped at
// MaxTimeout (spec.md §4.5/§9: half-open decay is "implied by good
// practice").
func (b *Breaker) RecordFailure(ctx context.Context, mkt marketplace.Tag, now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.stateFor(ctx, mkt)
	if err != nil {
		return err
	}

	switch s.Phase {
	case circuit.PhaseHalfOpen:
		from := s.Phase
		timeout := s.Timeout * 2
		if timeout <= 0 {
			timeout = b.cfg.Timeout
		}
		if timeout > b.cfg.MaxTimeout {
			timeout = b.cfg.MaxTimeout
		}
		s.Phase = circuit.PhaseOpen
		s.Timeout = timeout
		s.OpenedAt = now
		s.NextRetryAllowedAt = now.Add(timeout)
		s.FailureCount++
		delete(b.halfOpenReq, mkt)
		s.UpdatedAt = now
		if _, err := b.store.UpsertCircuit(ctx, s); err != nil {
			return err
		}
		b.notify(mkt, from, s.Phase)
		return nil
	case circuit.PhaseClosed:
		s.FailureCount++
		if s.FailureCount >= s.FailureThreshold {
			from := s.Phase
			timeout := s.Timeout
			if timeout <= 0 {
				timeout = b.cfg.Timeout
			}
			s.Phase = circuit.PhaseOpen
			s.Timeout = timeout
			s.OpenedAt = now
			s.NextRetryAllowedAt = now.Add(timeout)
			s.UpdatedAt = now
			if _, err := b.store.UpsertCircuit(ctx, s); err != nil {
				return err
			}
			b.notify(mkt, from, s.Phase)
			return nil
		}
	}
	s.UpdatedAt = now
	_, err = b.store.UpsertCircuit(ctx, s)
	return err
}

// Phase returns the marketplace's current breaker phase without mutating
// state, for observability callers.
func (b *Breaker) Phase(ctx context.Context, mkt marketplace.Tag) (circuit.Phase, error) {
	s, err := b.stateFor(ctx, mkt)
	if err != nil {
		return "", err
	}
	return s.Phase, nil
}

func (b *Breaker) notify(mkt marketplace.Tag, from, to circuit.Phase) {
	b.log.WithField("marketplace", mkt).
		WithField("from", from).
		WithField("to", to).
		Info("circuit breaker phase changed")
	if b.onFlip != nil {
		b.onFlip(mkt, from, to)
	}
}
