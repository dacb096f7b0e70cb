// Package metrics exposes the Prometheus collectors shared across the
// automation core's subsystems.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every collector the core records against. Subsystems take
// a *Registry rather than reach for package-global metrics, so more than one
// Application can run in the same process without collectors colliding.
type Registry struct {
	reg *prometheus.Registry

	FiringsTotal        *prometheus.CounterVec
	FiringDuration      *prometheus.HistogramVec
	RateLimitRejections *prometheus.CounterVec
	CircuitTrips        *prometheus.CounterVec
	CircuitState        *prometheus.GaugeVec
	RetriesTotal        *prometheus.CounterVec
	DeadLetterTotal     *prometheus.CounterVec
	SyncJobsTotal       *prometheus.CounterVec
	WebhookEventsTotal  *prometheus.CounterVec
	ExecutorQueueDepth  prometheus.Gauge
}

// New builds a Registry bound to a fresh prometheus.Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		FiringsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_firings_total",
			Help: "Total rule firings processed by the executor, labeled by outcome.",
		}, []string{"status"}),
		FiringDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "automation_firing_duration_seconds",
			Help:    "Duration of a firing from dequeue to terminal status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"marketplace"}),
		RateLimitRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_rate_limit_rejections_total",
			Help: "Admission checks rejected by the rate limiter.",
		}, []string{"marketplace", "window"}),
		CircuitTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_circuit_trips_total",
			Help: "Circuit breaker transitions into the open state.",
		}, []string{"marketplace"}),
		CircuitState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "automation_circuit_state",
			Help: "Current circuit breaker phase per marketplace (0=closed,1=half_open,2=open).",
		}, []string{"marketplace"}),
		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_retries_total",
			Help: "Retry attempts scheduled, labeled by failure category.",
		}, []string{"category"}),
		DeadLetterTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_dead_letter_total",
			Help: "Jobs moved to the dead letter queue, labeled by final category.",
		}, []string{"category"}),
		SyncJobsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_sync_jobs_total",
			Help: "Cross-platform sync jobs: \"started\" when a job is created, and its terminal status when recorded outcomes finalize it.",
		}, []string{"status"}),
		WebhookEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "automation_webhook_events_total",
			Help: "Ingested webhook events, labeled by processing status.",
		}, []string{"status"}),
		ExecutorQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "automation_executor_queue_depth",
			Help: "Current number of jobs waiting in the executor queue.",
		}),
	}
}

// Handler returns the HTTP handler exposing these collectors in the
// Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
