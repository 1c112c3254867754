// Package metrics instruments the engine's hot paths: fee-cache behavior,
// estimation and sponsor failures, and submission outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "wallet_engine"

// EngineMetrics contains instrumented counters incremented by the engine
// components via the methods below. All methods are safe on a nil receiver
// so callers can skip wiring metrics entirely.
type EngineMetrics struct {
	feeCacheHits       prometheus.Counter
	feeCacheMisses     prometheus.Counter
	estimationFailures prometheus.Counter
	sponsorFailures    prometheus.Counter
	submissions        *prometheus.CounterVec
}

func NewEngineMetrics(reg prometheus.Registerer) *EngineMetrics {
	return &EngineMetrics{
		feeCacheHits: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fee_cache_hits_total",
				Help:      "Gas estimations answered from the fee cache without a chain call",
			}),

		feeCacheMisses: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fee_cache_misses_total",
				Help:      "Gas estimations that had to invoke the underlying estimator",
			}),

		estimationFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gas_estimation_failures_total",
				Help:      "Underlying gas estimation calls that failed; failures are never cached",
			}),

		sponsorFailures: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sponsor_failures_total",
				Help:      "Sponsor co-signing requests that timed out or returned an error",
			}),

		submissions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "submissions_total",
				Help:      "Signing-session submissions by terminal outcome",
			}, []string{"outcome"}),
	}
}

func (m *EngineMetrics) IncFeeCacheHit() {
	if m != nil {
		m.feeCacheHits.Inc()
	}
}

func (m *EngineMetrics) IncFeeCacheMiss() {
	if m != nil {
		m.feeCacheMisses.Inc()
	}
}

func (m *EngineMetrics) IncEstimationFailure() {
	if m != nil {
		m.estimationFailures.Inc()
	}
}

func (m *EngineMetrics) IncSponsorFailure() {
	if m != nil {
		m.sponsorFailures.Inc()
	}
}

func (m *EngineMetrics) IncSubmission(outcome string) {
	if m != nil {
		m.submissions.WithLabelValues(outcome).Inc()
	}
}
