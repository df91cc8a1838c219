package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Decisions counts committed admission decisions.
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "admission_decisions_total",
		Help:      "Admission decisions by operation, flow, outcome and denial reason.",
	}, []string{"operation", "flow", "outcome", "reason"})

	// TransientFailures counts requests that ended without a record.
	TransientFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "admission_transient_failures_total",
		Help:      "Check-in and check-out attempts aborted by a transient dependency failure.",
	}, []string{"operation"})

	FaceMatchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "attendguard",
		Name:      "face_match_seconds",
		Help:      "Latency of external face matcher calls.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2, 5, 10},
	})

	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "rate_limited_requests_total",
		Help:      "Requests rejected by the rate limiter.",
	})

	AuditWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "attendguard",
		Name:      "audit_events_total",
		Help:      "Decision events handled by the audit worker.",
	}, []string{"result"})
)

// ObserveDecision records one committed decision.
func ObserveDecision(operation, flow, outcome, reason string) {
	Decisions.WithLabelValues(operation, flow, outcome, reason).Inc()
}
