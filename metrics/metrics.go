// Package metrics collects settlement and reconciliation telemetry. Every
// method is safe to call on a nil *Collector, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gitlab.com/arcanecrypto/dropbit/payerr"
)

// Collector holds the dropbit collectors on a private registry
type Collector struct {
	registry *prometheus.Registry

	settlements       *prometheus.CounterVec
	settlementLatency *prometheus.HistogramVec
	networkCalls      *prometheus.CounterVec
	networkLatency    *prometheus.HistogramVec
	transitions       *prometheus.CounterVec
	manualShares      prometheus.Counter
	payloadFailures   prometheus.Counter

	reconcileRuns    *prometheus.CounterVec
	reconcileLatency prometheus.Histogram
	reconcileChanges *prometheus.CounterVec
}

// NewCollector creates a collector under namespace, "dropbit" if empty
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = "dropbit"
	}
	c := &Collector{registry: prometheus.NewRegistry()}

	c.settlements = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "attempts_total",
			Help:      "Settlement attempts by operation and error class.",
		},
		[]string{"operation", "outcome"},
	)
	c.settlementLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "duration_seconds",
			Help:      "Duration of settlement attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"operation"},
	)
	c.networkCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "calls_total",
			Help:      "Calls to the wallet server by endpoint and error class.",
		},
		[]string{"call", "outcome"},
	)
	c.networkLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "network",
			Name:      "call_duration_seconds",
			Help:      "Duration of calls to the wallet server.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"call"},
	)
	c.transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "invitations",
			Name:      "transitions_total",
			Help:      "Invitation status changes that were persisted.",
		},
		[]string{"status"},
	)
	c.manualShares = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "invitations",
		Name:      "manual_share_total",
		Help:      "Invitations the server could not deliver.",
	})
	c.payloadFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "payload_failures_total",
		Help:      "Shared payloads that could not be posted.",
	})
	c.reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation passes by outcome.",
		},
		[]string{"outcome"},
	)
	c.reconcileLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation passes.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})
	c.reconcileChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "changes_total",
			Help:      "Rows changed by reconciliation, by kind.",
		},
		[]string{"kind"},
	)

	c.registry.MustRegister(
		c.settlements,
		c.settlementLatency,
		c.networkCalls,
		c.networkLatency,
		c.transitions,
		c.manualShares,
		c.payloadFailures,
		c.reconcileRuns,
		c.reconcileLatency,
		c.reconcileChanges,
		prometheus.NewGoCollector(),
	)
	return c
}

// Registry exposes the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registered collectors
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Outcome labels an error by its class, or "ok"
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return payerr.ClassOf(err).String()
}

// RecordSettlement records one settlement attempt
func (c *Collector) RecordSettlement(operation string, took time.Duration, err error) {
	if c == nil {
		return
	}
	c.settlements.WithLabelValues(operation, Outcome(err)).Inc()
	c.settlementLatency.WithLabelValues(operation).Observe(took.Seconds())
}

// RecordNetworkCall records one call to the wallet server
func (c *Collector) RecordNetworkCall(call string, took time.Duration, err error) {
	if c == nil {
		return
	}
	c.networkCalls.WithLabelValues(call, Outcome(err)).Inc()
	c.networkLatency.WithLabelValues(call).Observe(took.Seconds())
}

// RecordTransition records an invitation moving to status
func (c *Collector) RecordTransition(status string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(status).Inc()
}

// RecordManualShare records an invitation the server could not deliver
func (c *Collector) RecordManualShare() {
	if c == nil {
		return
	}
	c.manualShares.Inc()
}

// RecordPayloadFailure records a shared payload that was not posted
func (c *Collector) RecordPayloadFailure() {
	if c == nil {
		return
	}
	c.payloadFailures.Inc()
}

// RecordReconcileRun records one reconciliation pass
func (c *Collector) RecordReconcileRun(took time.Duration, err error) {
	if c == nil {
		return
	}
	c.reconcileRuns.WithLabelValues(Outcome(err)).Inc()
	c.reconcileLatency.Observe(took.Seconds())
}

// RecordReconcileChanges records rows of kind changed by reconciliation
func (c *Collector) RecordReconcileChanges(kind string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.reconcileChanges.WithLabelValues(kind).Add(float64(n))
}
