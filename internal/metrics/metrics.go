// Package metrics exposes the prometheus collectors of the bridge.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vaultbridge"

type bridgeMetrics struct {
	transitions   *prometheus.CounterVec
	pollErrors    *prometheus.CounterVec
	corrections   *prometheus.CounterVec
	events        *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	throttleWait  prometheus.Histogram
	tickDurations *prometheus.HistogramVec
	httpRequests  *prometheus.HistogramVec
}

var (
	once     sync.Once
	registry *bridgeMetrics
)

// Bridge returns the process-wide collectors, registering them on first use
func Bridge() *bridgeMetrics {
	once.Do(func() {
		registry = &bridgeMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "transitions_total",
				Help:      "State machine transitions by machine and target status.",
			}, []string{"machine", "status"}),
			pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "jobs",
				Name:      "errors_total",
				Help:      "Errors recorded on jobs by machine and error class.",
			}, []string{"machine", "class"}),
			corrections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "corrections_total",
				Help:      "Position corrections applied by the reconciler.",
			}, []string{"action"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "events_total",
				Help:      "Contract events ingested by contract and severity.",
			}, []string{"contract", "severity"}),
			alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "alerts_total",
				Help:      "Alert deliveries by outcome.",
			}, []string{"outcome"}),
			throttleWait: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "throttle_wait_seconds",
				Help:      "Time spent waiting on the RPC rate limiter.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
			}),
			tickDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "worker",
				Name:      "tick_duration_seconds",
				Help:      "Duration of one worker tick.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"worker"}),
			httpRequests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "API request latency by route template and status code.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method", "route", "code"}),
		}
		prometheus.MustRegister(
			registry.transitions,
			registry.pollErrors,
			registry.corrections,
			registry.events,
			registry.alerts,
			registry.throttleWait,
			registry.tickDurations,
			registry.httpRequests,
		)
	})
	return registry
}

// Transition counts a status change of a job
func (m *bridgeMetrics) Transition(machine, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(machine, status).Inc()
}

// JobError counts an error recorded on a job
func (m *bridgeMetrics) JobError(machine, class string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(machine, class).Inc()
}

// Correction counts a reconciliation change
func (m *bridgeMetrics) Correction(action string) {
	if m == nil {
		return
	}
	m.corrections.WithLabelValues(action).Inc()
}

// EventIngested counts a newly stored contract event
func (m *bridgeMetrics) EventIngested(contract, severity string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(contract, severity).Inc()
}

// Alert counts an alert delivery attempt
func (m *bridgeMetrics) Alert(ok bool) {
	if m == nil {
		return
	}
	outcome := "delivered"
	if !ok {
		outcome = "failed"
	}
	m.alerts.WithLabelValues(outcome).Inc()
}

// ThrottleWait observes time spent blocked on the RPC limiter
func (m *bridgeMetrics) ThrottleWait(d time.Duration) {
	if m == nil {
		return
	}
	m.throttleWait.Observe(d.Seconds())
}

// Tick observes the duration of one worker tick
func (m *bridgeMetrics) Tick(worker string, d time.Duration) {
	if m == nil {
		return
	}
	m.tickDurations.WithLabelValues(worker).Observe(d.Seconds())
}

// Request observes one served API request
func (m *bridgeMetrics) Request(method, route string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Observe(d.Seconds())
}
