package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opscart/k8s-utilization-facts/pkg/classifier"
	"github.com/opscart/k8s-utilization-facts/pkg/models"
)

// Metrics holds Prometheus metrics for analysis runs.
type Metrics struct {
	ResourcesAnalyzed   *prometheus.CounterVec // per resource kind
	ResourcesBlocked    *prometheus.CounterVec // classified by the blocked_quality rule
	ObservationsEmitted prometheus.Counter
	RunsFailed          prometheus.Counter
	RunDuration         prometheus.Histogram
}

// NewMetrics creates run metrics and registers them on reg.
// Pass prometheus.NewRegistry() in tests to keep runs isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	analyzed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fact_engine_resources_analyzed_total",
		Help: "Resources analyzed, by kind",
	}, []string{"kind"})

	blocked := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fact_engine_resources_blocked_total",
		Help: "Resources whose classification was blocked by missing or insufficient data, by kind",
	}, []string{"kind"})

	observations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fact_engine_cross_layer_observations_total",
		Help: "Cross-layer observations emitted",
	})

	failed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fact_engine_runs_failed_total",
		Help: "Runs aborted by a contract violation, invalid thresholds or cancellation",
	})

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fact_engine_run_duration_seconds",
		Help:    "Wall time of one analysis run",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})

	reg.MustRegister(analyzed)
	reg.MustRegister(blocked)
	reg.MustRegister(observations)
	reg.MustRegister(failed)
	reg.MustRegister(duration)

	return &Metrics{
		ResourcesAnalyzed:   analyzed,
		ResourcesBlocked:    blocked,
		ObservationsEmitted: observations,
		RunsFailed:          failed,
		RunDuration:         duration,
	}
}

func (m *Metrics) record(r *models.Report) {
	if m == nil {
		return
	}
	for _, d := range r.DeploymentAnalysis {
		m.count(d.Resource.Kind, d.Classification.Rule)
	}
	for _, h := range r.HPAAnalysis {
		m.count(h.Resource.Kind, h.Classification.Rule)
	}
	for _, n := range r.NodeAnalysis {
		m.count(n.Resource.Kind, n.Classification.Rule)
	}
	m.ObservationsEmitted.Add(float64(len(r.CrossLayerObservations)))
}

func (m *Metrics) count(kind models.ResourceKind, rule string) {
	m.ResourcesAnalyzed.WithLabelValues(string(kind)).Inc()
	if rule == classifier.RuleBlockedQuality {
		m.ResourcesBlocked.WithLabelValues(string(kind)).Inc()
	}
}
