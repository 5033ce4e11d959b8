// Package metrics declares the Prometheus collectors of the entitlement engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "entitlements"

var (
	// WebhookRequestsTotal counts Stripe webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks Stripe webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// WebhookOutcomes counts processed events by outcome.
	WebhookOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhook",
		Name:      "outcomes_total",
		Help:      "Webhook events by outcome (applied, ignored, invalid, stale, duplicate).",
	}, []string{"outcome"})

	// GateDecisions counts gate decisions by flag and reason.
	GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Gate decisions by flag and reason.",
	}, []string{"flag", "reason"})

	// GateCache counts snapshot cache lookups by result (hit, miss).
	GateCache = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "cache_total",
		Help:      "Gate snapshot cache lookups by result.",
	}, []string{"result"})

	// ResolveDuration tracks snapshot resolution latency.
	ResolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "duration_seconds",
		Help:      "Snapshot resolution duration in seconds.",
		Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// PrecedenceConflicts counts equal-timestamp grant conflicts found while resolving.
	PrecedenceConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "resolver",
		Name:      "precedence_conflicts_total",
		Help:      "Grants in the same tier with identical granted_at but different values.",
	})

	// SweepExpired counts grants marked inactive by the expiry sweep.
	SweepExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweep",
		Name:      "expired_grants_total",
		Help:      "Grants marked inactive by the expiry sweep.",
	})

	// CheckoutSessions counts checkout attempts by plan and outcome.
	CheckoutSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "checkout",
		Name:      "sessions_total",
		Help:      "Checkout attempts by plan and outcome.",
	}, []string{"plan", "outcome"})

	// HTTPDuration tracks request latency by route pattern, method and status.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "status"})

	// JobsProcessed counts worker jobs by type and result.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "jobs_total",
		Help:      "Worker jobs processed by type and result.",
	}, []string{"job_type", "result"})
)
