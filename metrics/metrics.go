// Package metrics exposes Prometheus counters for callbacks, ledger
// operations and engine calls. A nil *Metrics records nothing, so every
// consumer can take one optionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "leavesync"

// Outcome labels shared by all counters.
const (
	OutcomeOK             = "ok"
	OutcomeError          = "error"
	OutcomePanic          = "panic"
	OutcomeUnknownProcess = "unknown_process"
	OutcomeInsufficient   = "insufficient"
	OutcomeClamped        = "clamped"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	callbacks      *prometheus.CounterVec
	ledgerOps      *prometheus.CounterVec
	engineRequests *prometheus.CounterVec
	engineLatency  *prometheus.HistogramVec
}

// New registers all collectors, plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		callbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callbacks_total",
				Help:      "Workflow engine callbacks handled, by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),
		ledgerOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_operations_total",
				Help:      "Balance ledger mutations, by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),
		engineRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "engine_requests_total",
				Help:      "Outbound workflow engine requests, by operation and outcome.",
			},
			[]string{"op", "outcome"},
		),
		engineLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "engine_request_duration_seconds",
				Help:      "Latency of outbound workflow engine requests.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
	}
	m.registry.MustRegister(
		m.callbacks,
		m.ledgerOps,
		m.engineRequests,
		m.engineLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) CallbackHandled(op, outcome string) {
	if m == nil {
		return
	}
	m.callbacks.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) LedgerOperation(op, outcome string) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) EngineRequest(op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.engineRequests.WithLabelValues(op, outcome).Inc()
	m.engineLatency.WithLabelValues(op).Observe(elapsed.Seconds())
}
