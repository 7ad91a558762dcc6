package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := dto.Metric{}
	require.NoError(t, (<-ch).Write(&m))
	if m.Counter != nil {
		return m.Counter.GetValue()
	}
	return m.Gauge.GetValue()
}

func TestRecordCacheLookupIncrementsHitOrMiss(t *testing.T) {
	m := New()
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(false)

	require.Equal(t, 1.0, counterValue(t, m.CacheLookupsTotal.WithLabelValues("hit")))
	require.Equal(t, 2.0, counterValue(t, m.CacheLookupsTotal.WithLabelValues("miss")))
}

func TestRecordCacheWriteIncrements(t *testing.T) {
	m := New()
	m.RecordCacheWrite()
	m.RecordCacheWrite()
	require.Equal(t, 2.0, counterValue(t, m.CacheWritesTotal))
}

func TestRecordEarlyStopPartitionsByReason(t *testing.T) {
	m := New()
	m.RecordEarlyStop("parent_target")
	m.RecordEarlyStop("stragglers")
	require.Equal(t, 1.0, counterValue(t, m.EarlyStopsTotal.WithLabelValues("parent_target")))
	require.Equal(t, 1.0, counterValue(t, m.EarlyStopsTotal.WithLabelValues("stragglers")))
}

func TestRecordEvaluationIncrements(t *testing.T) {
	m := New()
	m.RecordEvaluation()
	m.RecordEvaluation()
	require.Equal(t, 2.0, counterValue(t, m.EvaluationsTotal))
}

func TestSetInflightEvaluationsReflectsLatestValue(t *testing.T) {
	m := New()
	m.SetInflightEvaluations(3)
	m.SetInflightEvaluations(1)
	require.Equal(t, 1.0, counterValue(t, m.InflightEvaluationsGauge))
}

func TestMustRegisterDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotPanics(t, func() { New().MustRegister(reg) })
}
