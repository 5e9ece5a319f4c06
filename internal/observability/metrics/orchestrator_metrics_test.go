package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	counter, err := vec.GetMetricWithLabelValues(labels...)
	require.NoError(t, err)
	var m dto.Metric
	require.NoError(t, counter.Write(&m))
	return m.GetCounter().GetValue()
}

func TestOrchestratorMetricsCounts(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newOrchestratorMetrics(registry)

	m.IncRun("Completed")
	m.IncRun("Completed")
	m.IncRun("Failed")
	assert.Equal(t, 2.0, counterValue(t, m.runs, "Completed"))
	assert.Equal(t, 1.0, counterValue(t, m.runs, "Failed"))

	m.AddStageItems(StageScrape, "completed", 3)
	m.AddStageItems(StageScrape, "completed", 0)
	assert.Equal(t, 3.0, counterValue(t, m.stageItems, StageScrape, "completed"))

	m.ObserveADRCall("ingest", "success", 250*time.Millisecond)
	assert.Equal(t, 1.0, counterValue(t, m.adrCalls, "ingest", "success"))
}

func TestOrchestratorNilReceiverIsSafe(t *testing.T) {
	var m *OrchestratorMetrics
	m.IncRun("Completed")
	m.AddStageItems(StageSync, "created", 1)
	m.ObserveStageDuration(StageSync, time.Second)
	m.ObserveADRCall("status", "error", time.Second)
}
