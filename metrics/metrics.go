// Package metrics exports the run's counters and gauges as Prometheus
// collectors (evaluations_total, cache_lookups_total partitioned by
// hit/miss, mutations_generated_total, stop_score gauge, and more).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every collector the orchestrator and evaluator report
// into during a run. Construct with New and register once with a
// prometheus.Registerer.
type Metrics struct {
	EvaluationsTotal         prometheus.Counter
	CacheLookupsTotal        *prometheus.CounterVec // label "result" = hit|miss
	CacheWritesTotal         prometheus.Counter
	EarlyStopsTotal          *prometheus.CounterVec // label "reason"
	MutationsRequestedTotal  prometheus.Counter
	MutationsGeneratedTotal  prometheus.Counter
	MutationsPromotedTotal   prometheus.Counter
	StopScore                prometheus.Gauge
	HypervolumeGauge         prometheus.Gauge
	QDFilledCellsGauge       prometheus.Gauge
	InflightEvaluationsGauge prometheus.Gauge
}

// New constructs every collector under the "turbo_gepa" namespace.
func New() *Metrics {
	return &Metrics{
		EvaluationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "turbo_gepa",
			Name:      "evaluations_total",
			Help:      "Total number of per-example task model evaluations run.",
		}),
		CacheLookupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "turbo_gepa",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups, partitioned by hit/miss.",
		}, []string{"result"}),
		CacheWritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "turbo_gepa",
			Name:      "cache_writes_total",
			Help:      "Total number of fresh evaluation results written to cache.",
		}),
		EarlyStopsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "turbo_gepa",
			Name:      "early_stops_total",
			Help:      "Evaluator early stops, partitioned by reason.",
		}, []string{"reason"}),
		MutationsRequestedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "turbo_gepa",
			Name:      "mutations_requested_total",
			Help:      "Total reflection calls issued.",
		}),
		MutationsGeneratedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "turbo_gepa",
			Name:      "mutations_generated_total",
			Help:      "Total child instruction strings extracted from reflection output.",
		}),
		MutationsPromotedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "turbo_gepa",
			Name:      "mutations_promoted_total",
			Help:      "Total rung promotions, of candidates from any source and at any rung.",
		}),
		StopScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "turbo_gepa",
			Name:      "stop_score",
			Help:      "Most recent StopGovernor stop score (1.0 = keep going, 0.0 = plateau).",
		}),
		HypervolumeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "turbo_gepa",
			Name:      "pareto_hypervolume",
			Help:      "Most recent 2D Pareto hypervolume.",
		}),
		QDFilledCellsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "turbo_gepa",
			Name:      "qd_filled_cells",
			Help:      "Number of occupied quality-diversity grid cells.",
		}),
		InflightEvaluationsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "turbo_gepa",
			Name:      "inflight_evaluations",
			Help:      "Current number of in-flight example-level evaluations.",
		}),
	}
}

// MustRegister registers every collector with reg, panicking on duplicate
// registration (mirrors prometheus.MustRegister's standard usage).
func (m *Metrics) MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		m.EvaluationsTotal,
		m.CacheLookupsTotal,
		m.CacheWritesTotal,
		m.EarlyStopsTotal,
		m.MutationsRequestedTotal,
		m.MutationsGeneratedTotal,
		m.MutationsPromotedTotal,
		m.StopScore,
		m.HypervolumeGauge,
		m.QDFilledCellsGauge,
		m.InflightEvaluationsGauge,
	)
}

// RecordCacheLookup implements evaluator.Metrics.
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.CacheLookupsTotal.WithLabelValues("hit").Inc()
	} else {
		m.CacheLookupsTotal.WithLabelValues("miss").Inc()
	}
}

// RecordCacheWrite implements evaluator.Metrics.
func (m *Metrics) RecordCacheWrite() { m.CacheWritesTotal.Inc() }

// RecordEarlyStop implements evaluator.Metrics.
func (m *Metrics) RecordEarlyStop(reason string) { m.EarlyStopsTotal.WithLabelValues(reason).Inc() }

// RecordEvaluation implements evaluator.Metrics.
func (m *Metrics) RecordEvaluation() { m.EvaluationsTotal.Inc() }

// SetInflightEvaluations implements evaluator.Metrics.
func (m *Metrics) SetInflightEvaluations(n int64) { m.InflightEvaluationsGauge.Set(float64(n)) }
