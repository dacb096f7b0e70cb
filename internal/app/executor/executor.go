package executor

import (
	"container/heap"
	"context"
	"sync"
	"time"

	core "github.com/resaleflow/automation-core/internal/app/core/service"
	"github.com/resaleflow/automation-core/internal/app/system"
	"github.com/resaleflow/automation-core/pkg/logger"
	"github.com/resaleflow/automation-core/pkg/metrics"
)

var _ system.Service = (*Executor)(nil)

// Outcome is what a Runner reports back after carrying a Job through a
// single attempt.
type Outcome struct {
	Success    bool
	Skipped    bool
	SkipReason string
	Retry      bool
	RetryAfter time.Duration
	ErrorKind  string
}

// Runner executes a single Job attempt. The Executor never interprets a
// raw engine error itself (spec.md §4.2 Errors); Runner implementations own
// the safety check → engine invocation → categorize → retry-decision chain
// and return a structured Outcome.
type Runner interface {
	Run(ctx context.Context, job Job) Outcome
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job Job) Outcome

func (f RunnerFunc) Run(ctx context.Context, job Job) Outcome { return f(ctx, job) }

// Config controls the worker pool shape.
type Config struct {
	Workers          int
	ActionDeadline   time.Duration
	DispatchInterval time.Duration
}

// Executor is the bounded-concurrency worker pool (C10).
type Executor struct {
	cfg    Config
	runner Runner
	log    *logger.Logger
	met    *metrics.Registry
	clock  func() time.Time

	mu        sync.Mutex
	queue     jobHeap
	inFlight  map[string]bool // RuleKey -> in-flight
	paused    bool
	seq       int64

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	sem     chan struct{}
}

// New builds an Executor. A nil metrics registry disables metric emission.
func New(cfg Config, runner Runner, log *logger.Logger, met *metrics.Registry) *Executor {
	if log == nil {
		log = logger.NewDefault("executor")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.ActionDeadline <= 0 {
		cfg.ActionDeadline = 30 * time.Second
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = 250 * time.Millisecond
	}
	return &Executor{
		cfg:      cfg,
		runner:   runner,
		log:      log,
		met:      met,
		clock:    func() time.Time { return time.Now().UTC() },
		inFlight: make(map[string]bool),
		sem:      make(chan struct{}, cfg.Workers),
	}
}

// WithClock overrides the time source, for deterministic tests.
func (e *Executor) WithClock(clock func() time.Time) *Executor {
	e.clock = clock
	return e
}

// SetRunner assigns the Runner dispatched jobs are handed to. Wiring code
// constructs the Runner after the Executor, since the Runner's Sync
// Coordinator and Webhook Ingestor submit new jobs back through this same
// Executor; SetRunner breaks that construction cycle.
func (e *Executor) SetRunner(runner Runner) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.runner = runner
}

// Name implements system.Service.
func (e *Executor) Name() string { return "executor" }

// Descriptor advertises placement for system.CollectDescriptors.
func (e *Executor) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "executor",
		Domain:       "automation",
		Layer:        core.LayerEngine,
		Capabilities: []string{"worker-pool", "per-rule-serialization"},
	}
}

// Start begins the dispatcher loop that pops due, eligible jobs off the
// priority queue and hands them to worker goroutines bounded by the
// configured concurrency.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.DispatchInterval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				e.dispatch(runCtx)
			}
		}
	}()

	e.log.Info("executor started")
	return nil
}

// Stop cancels the dispatcher loop and drains in-flight workers at the next
// safe boundary (the end of their current job), per spec.md §4.2
// Cancellation.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	cancel := e.cancel
	e.running = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.wg.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.log.Info("executor stopped")
	return nil
}

// Pause implements the emergency-pause drain: pending timers are
// effectively cancelled because Dispatch stops popping the queue, and any
// job already popped still runs to its current batch boundary.
func (e *Executor) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = true
}

// Resume clears the emergency pause.
func (e *Executor) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paused = false
}

// Paused reports the current pause state.
func (e *Executor) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Submit enqueues job without blocking the caller. Workers later drain the
// queue in priority-then-scheduled order (spec.md §4.2 Public contract).
func (e *Executor) Submit(job Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	heap.Push(&e.queue, &queuedJob{job: job, seq: e.seq})
	if e.met != nil {
		e.met.ExecutorQueueDepth.Set(float64(e.queue.Len()))
	}
}

// QueueDepth reports the number of jobs currently queued (not yet
// dispatched to a worker), for observability.
func (e *Executor) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}

func (e *Executor) dispatch(ctx context.Context) {
	if e.Paused() {
		return
	}
	now := e.clock()
	for {
		job, ok := e.popEligible(now)
		if !ok {
			return
		}
		select {
		case e.sem <- struct{}{}:
		default:
			// No free worker slot; put the job back and wait for the next tick.
			e.requeue(job)
			return
		}
		e.wg.Add(1)
		go func(job Job) {
			defer e.wg.Done()
			defer func() { <-e.sem }()
			e.run(ctx, job)
		}(job)
	}
}

// popEligible pops the highest-priority, earliest-scheduled job that is due
// and whose rule key is not already in flight. Jobs it skips over (not yet
// due, or blocked by in-flight serialization) are pushed back.
func (e *Executor) popEligible(now time.Time) (Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var deferred []*queuedJob
	defer func() {
		for _, qj := range deferred {
			heap.Push(&e.queue, qj)
		}
	}()

	for e.queue.Len() > 0 {
		qj := heap.Pop(&e.queue).(*queuedJob)
		if qj.job.ScheduledFor.After(now) {
			deferred = append(deferred, qj)
			continue
		}
		key := qj.job.RuleKey()
		if e.inFlight[key] {
			deferred = append(deferred, qj)
			continue
		}
		e.inFlight[key] = true
		return qj.job, true
	}
	return Job{}, false
}

func (e *Executor) requeue(job Job) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, job.RuleKey())
	e.seq++
	heap.Push(&e.queue, &queuedJob{job: job, seq: e.seq})
}

func (e *Executor) run(ctx context.Context, job Job) {
	defer func() {
		e.mu.Lock()
		delete(e.inFlight, job.RuleKey())
		e.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.ActionDeadline)
	defer cancel()

	start := time.Now()
	outcome := e.runner.Run(runCtx, job)
	duration := time.Since(start)

	if e.met != nil {
		status := "success"
		switch {
		case outcome.Skipped:
			status = "skipped"
		case !outcome.Success:
			status = "failed"
		}
		e.met.FiringsTotal.WithLabelValues(status).Inc()
		e.met.FiringDuration.WithLabelValues(string(job.Marketplace)).Observe(duration.Seconds())
	}

	if outcome.Retry {
		job.AttemptNumber++
		job.ScheduledFor = e.clock().Add(outcome.RetryAfter)
		e.Submit(job)
	}
}

// jobHeap is a container/heap priority queue ordered by priority desc then
// scheduled_for asc then insertion order, matching spec.md §4.2's
// "priority-then-scheduled order".
type queuedJob struct {
	job Job
	seq int64
}

type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }
func (h jobHeap) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	if !h[i].job.ScheduledFor.Equal(h[j].job.ScheduledFor) {
		return h[i].job.ScheduledFor.Before(h[j].job.ScheduledFor)
	}
	return h[i].seq < h[j].seq
}
func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *jobHeap) Push(x interface{}) {
	*h = append(*h, x.(*queuedJob))
}
func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
