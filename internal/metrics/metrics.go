// Package metrics exposes Prometheus instrumentation for assessments.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the assessment pipeline. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Lookup latencies by source and result
	LookupLatency *prometheus.HistogramVec

	// Fallbacks to cached applicant data by source
	LookupFallbacks *prometheus.CounterVec

	// Assessment outcomes by grade and decision
	AssessmentOutcome *prometheus.CounterVec

	// Assessment failures by error kind
	AssessmentErrors *prometheus.CounterVec

	// Full assessment latency
	AssessLatency prometheus.Histogram

	// Manual overrides by outcome
	Overrides *prometheus.CounterVec

	// Configuration refreshes by result
	ConfigRefreshes *prometheus.CounterVec

	// Events that could not be published after retries, by topic
	PublishFailures *prometheus.CounterVec
}

// New registers all assessment metrics with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LookupLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kestrel_lookup_duration_seconds",
			Help:    "Duration of applicant data lookups by source",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}, []string{"source", "result"}), // source: "bureau", "profile", "inquiries"

		LookupFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_lookup_fallbacks_total",
			Help: "Lookups answered from last-known cached data",
		}, []string{"source"}),

		AssessmentOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_assessments_total",
			Help: "Completed assessments by risk grade and decision",
		}, []string{"grade", "decision"}),

		AssessmentErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_assessment_errors_total",
			Help: "Assessments that failed, by error kind",
		}, []string{"kind"}),

		AssessLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "kestrel_assess_duration_seconds",
			Help:    "Duration of a full assessment including lookups and persistence",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		Overrides: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_overrides_total",
			Help: "Manual overrides applied, by new decision",
		}, []string{"decision"}),

		ConfigRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_config_refreshes_total",
			Help: "Risk configuration refresh attempts by result",
		}, []string{"result"}),

		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "kestrel_event_publish_failures_total",
			Help: "Events dropped after exhausting publish retries",
		}, []string{"topic"}),
	}
}

// ObserveLookup records how long a lookup against source took.
func (m *Metrics) ObserveLookup(source string, ok bool, d time.Duration) {
	if m != nil {
		m.LookupLatency.WithLabelValues(source, result(ok)).Observe(d.Seconds())
	}
}

// IncrementFallback records a lookup served from cached data.
func (m *Metrics) IncrementFallback(source string) {
	if m != nil {
		m.LookupFallbacks.WithLabelValues(source).Inc()
	}
}

// IncrementOutcome records a completed assessment.
func (m *Metrics) IncrementOutcome(grade, decision string) {
	if m != nil {
		m.AssessmentOutcome.WithLabelValues(grade, decision).Inc()
	}
}

// IncrementError records a failed assessment.
func (m *Metrics) IncrementError(kind string) {
	if m != nil {
		m.AssessmentErrors.WithLabelValues(kind).Inc()
	}
}

// ObserveAssessLatency records the total assessment duration.
func (m *Metrics) ObserveAssessLatency(d time.Duration) {
	if m != nil {
		m.AssessLatency.Observe(d.Seconds())
	}
}

// IncrementOverride records a manual override.
func (m *Metrics) IncrementOverride(decision string) {
	if m != nil {
		m.Overrides.WithLabelValues(decision).Inc()
	}
}

// ConfigRefreshed records a configuration refresh attempt.
func (m *Metrics) ConfigRefreshed(ok bool) {
	if m != nil {
		m.ConfigRefreshes.WithLabelValues(result(ok)).Inc()
	}
}

// IncrementPublishFailure records an event given up on.
func (m *Metrics) IncrementPublishFailure(topic string) {
	if m != nil {
		m.PublishFailures.WithLabelValues(topic).Inc()
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
