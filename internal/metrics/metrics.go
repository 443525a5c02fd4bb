// Package metrics exposes Prometheus collectors for the work-execution core.
//
// Every method is nil-safe: components constructed without metrics simply
// skip recording.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pewcore"

type Metrics struct {
	reg *prometheus.Registry

	// runner
	jobsInFlight     prometheus.Gauge
	jobsTotal        *prometheus.CounterVec
	jobDuration      prometheus.Histogram
	dispatchDeferred prometheus.Counter
	cycleErrors      *prometheus.CounterVec

	// scheduler
	schedulerFired  *prometheus.CounterVec
	schedulerErrors *prometheus.CounterVec

	// breaker / credits
	breakerTrips     prometheus.Counter
	creditsDenied    prometheus.Counter
	creditsExhausted prometheus.Counter
	creditsErrors    prometheus.Counter

	// delivery
	deliveries   *prometheus.CounterVec
	pushClients  prometheus.Gauge
	pushDropped  prometheus.Counter
	notifyQueued prometheus.Gauge
}

// New registers all collectors on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		jobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "runner", Name: "jobs_in_flight",
			Help: "Jobs currently executing",
		}),
		jobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "runner", Name: "jobs_total",
			Help: "Finished jobs by outcome",
		}, []string{"outcome"}),
		jobDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "runner", Name: "job_duration_seconds",
			Help:    "Job execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		dispatchDeferred: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "runner", Name: "dispatch_deferred_total",
			Help: "Poll cycles cut short by the concurrency ceiling",
		}),
		cycleErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycle_errors_total",
			Help: "Errors raised inside poll cycles",
		}, []string{"loop"}),
		schedulerFired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "fired_total",
			Help: "Fired triggers by kind",
		}, []string{"kind"}),
		schedulerErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "errors_total",
			Help: "Per-item scheduler failures by kind",
		}, []string{"kind"}),
		breakerTrips: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "trips_total",
			Help: "Automations paused by the circuit breaker",
		}),
		creditsDenied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "credits", Name: "denied_total",
			Help: "Executions refused for insufficient credits",
		}),
		creditsExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "credits", Name: "exhausted_total",
			Help: "Deductions that left a balance at or below zero",
		}),
		creditsErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "credits", Name: "ledger_errors_total",
			Help: "Ledger failures swallowed by the guard",
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "messages_total",
			Help: "Platform deliveries by result",
		}, []string{"result"}),
		pushClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "push", Name: "clients",
			Help: "Connected websocket clients",
		}),
		pushDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "push", Name: "dropped_clients_total",
			Help: "Websocket clients dropped after a failed write",
		}),
		notifyQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "delivery", Name: "queue_depth",
			Help: "Notifications waiting for a worker",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests, extra collectors).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) SetInFlight(n int) {
	if m == nil {
		return
	}
	m.jobsInFlight.Set(float64(n))
}

func (m *Metrics) JobFinished(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(outcome).Inc()
	m.jobDuration.Observe(took.Seconds())
}

func (m *Metrics) DispatchDeferred() {
	if m == nil {
		return
	}
	m.dispatchDeferred.Inc()
}

func (m *Metrics) CycleError(loop string) {
	if m == nil {
		return
	}
	m.cycleErrors.WithLabelValues(loop).Inc()
}

func (m *Metrics) SchedulerFired(kind string) {
	if m == nil {
		return
	}
	m.schedulerFired.WithLabelValues(kind).Inc()
}

func (m *Metrics) SchedulerError(kind string) {
	if m == nil {
		return
	}
	m.schedulerErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) BreakerTripped() {
	if m == nil {
		return
	}
	m.breakerTrips.Inc()
}

func (m *Metrics) CreditsDenied() {
	if m == nil {
		return
	}
	m.creditsDenied.Inc()
}

func (m *Metrics) CreditsExhausted() {
	if m == nil {
		return
	}
	m.creditsExhausted.Inc()
}

func (m *Metrics) CreditsError() {
	if m == nil {
		return
	}
	m.creditsErrors.Inc()
}

func (m *Metrics) Delivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) SetPushClients(n int) {
	if m == nil {
		return
	}
	m.pushClients.Set(float64(n))
}

func (m *Metrics) PushDropped() {
	if m == nil {
		return
	}
	m.pushDropped.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.notifyQueued.Set(float64(n))
}
