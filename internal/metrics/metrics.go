// Package metrics provides Prometheus instrumentation for fraudshield.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fraudshield"

// Metrics bundles the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	scored         *prometheus.CounterVec
	flagged        *prometheus.CounterVec
	scoreDuration  prometheus.Histogram
	riskScore      prometheus.Histogram
	degraded       *prometheus.CounterVec
	swaps          *prometheus.CounterVec
	challengerF1   prometheus.Gauge
	championF1     prometheus.Gauge
	breakerChanges *prometheus.CounterVec
	feedback       *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		scored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_scored_total",
			Help:      "Scored transactions by risk level.",
		}, []string{"level"}),
		flagged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_flagged_total",
			Help:      "Flagged transactions by action.",
		}, []string{"action"}),
		scoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "score_duration_seconds",
			Help:      "End-to-end scoring latency.",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5},
		}),
		riskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "risk_score",
			Help:      "Distribution of risk scores on the 0-100 scale.",
			Buckets:   prometheus.LinearBuckets(10, 10, 9),
		}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_signals_total",
			Help:      "Optional signals that failed and fell back to defaults.",
		}, []string{"signal"}),
		swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "evaluations_total",
			Help:      "Champion/challenger evaluations by outcome.",
		}, []string{"outcome"}),
		challengerF1: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "challenger_f1",
			Help:      "F1 of the last evaluated challenger.",
		}),
		championF1: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lifecycle",
			Name:      "champion_f1",
			Help:      "F1 of the champion at the last evaluation.",
		}),
		breakerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "featurestore",
			Name:      "breaker_transitions_total",
			Help:      "Feature store circuit breaker transitions.",
		}, []string{"from_state", "to_state"}),
		feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_labels_total",
			Help:      "Analyst labels received by verdict.",
		}, []string{"verdict"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.scored,
		m.flagged,
		m.scoreDuration,
		m.riskScore,
		m.degraded,
		m.swaps,
		m.challengerF1,
		m.championF1,
		m.breakerChanges,
		m.feedback,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveScore records one completed scoring call.
func (m *Metrics) ObserveScore(level string, riskScore float64, took time.Duration) {
	if m == nil {
		return
	}
	m.scored.WithLabelValues(level).Inc()
	m.riskScore.Observe(riskScore)
	m.scoreDuration.Observe(took.Seconds())
}

// ObserveFlagged counts a flagged decision.
func (m *Metrics) ObserveFlagged(action string) {
	if m == nil {
		return
	}
	m.flagged.WithLabelValues(action).Inc()
}

// ObserveDegraded counts a failed optional signal.
func (m *Metrics) ObserveDegraded(signal string) {
	if m == nil {
		return
	}
	m.degraded.WithLabelValues(signal).Inc()
}

// ObserveEvaluation records a champion/challenger comparison.
func (m *Metrics) ObserveEvaluation(outcome string, championF1, challengerF1 float64) {
	if m == nil {
		return
	}
	m.swaps.WithLabelValues(outcome).Inc()
	m.championF1.Set(championF1)
	m.challengerF1.Set(challengerF1)
}

// ObserveBreaker counts a breaker transition.
func (m *Metrics) ObserveBreaker(from, to string) {
	if m == nil {
		return
	}
	m.breakerChanges.WithLabelValues(from, to).Inc()
}

// ObserveFeedback counts an analyst label.
func (m *Metrics) ObserveFeedback(fraud bool) {
	if m == nil {
		return
	}
	verdict := "legit"
	if fraud {
		verdict = "fraud"
	}
	m.feedback.WithLabelValues(verdict).Inc()
}
