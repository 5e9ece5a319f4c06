// Package metrics exposes prometheus instrumentation for the orchestrator.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Stage label values.
const (
	StageSync        = "sync"
	StageStale       = "stale_finalize"
	StageCreateJobs  = "create_jobs"
	StageCredentials = "verify_credentials"
	StageScrape      = "scrape"
	StageStatusCheck = "status_check"
)

// OrchestratorMetrics captures pipeline health signals.
type OrchestratorMetrics struct {
	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageItems    *prometheus.CounterVec
	adrCalls      *prometheus.CounterVec
	adrDuration   *prometheus.HistogramVec
	adrInFlight   prometheus.Gauge
}

var (
	orchestratorMetricsOnce sync.Once
	orchestratorMetrics     *OrchestratorMetrics
)

// Orchestrator returns the singleton orchestrator metrics registry.
func Orchestrator() *OrchestratorMetrics {
	orchestratorMetricsOnce.Do(func() {
		orchestratorMetrics = newOrchestratorMetrics(prometheus.DefaultRegisterer)
	})
	return orchestratorMetrics
}

// ResetOrchestratorMetricsForTest resets the singleton for tests.
func ResetOrchestratorMetricsForTest() {
	orchestratorMetricsOnce = sync.Once{}
	orchestratorMetrics = nil
}

func newOrchestratorMetrics(registerer prometheus.Registerer) *OrchestratorMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adrflow_orchestration_runs_total",
		Help: "Orchestration runs by terminal status.",
	}, []string{"status"})
	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "adrflow_stage_duration_seconds",
		Help:    "Pipeline stage latency.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800, 3600},
	}, []string{"stage"})
	stageItems := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adrflow_stage_items_total",
		Help: "Items processed per stage by outcome.",
	}, []string{"stage", "outcome"})
	adrCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "adrflow_adr_calls_total",
		Help: "Remote ADR calls by operation and outcome.",
	}, []string{"operation", "outcome"})
	adrDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "adrflow_adr_call_duration_seconds",
		Help:    "Remote ADR call latency.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
	}, []string{"operation"})
	adrInFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "adrflow_adr_calls_in_flight",
		Help: "Concurrent outbound ADR calls.",
	})

	registerer.MustRegister(
		runs,
		stageDuration,
		stageItems,
		adrCalls,
		adrDuration,
		adrInFlight,
	)

	return &OrchestratorMetrics{
		runs:          runs,
		stageDuration: stageDuration,
		stageItems:    stageItems,
		adrCalls:      adrCalls,
		adrDuration:   adrDuration,
		adrInFlight:   adrInFlight,
	}
}

func (m *OrchestratorMetrics) IncRun(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

func (m *OrchestratorMetrics) ObserveStageDuration(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *OrchestratorMetrics) AddStageItems(stage, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.stageItems.WithLabelValues(stage, outcome).Add(float64(n))
}

func (m *OrchestratorMetrics) ObserveADRCall(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.adrCalls.WithLabelValues(operation, outcome).Inc()
	m.adrDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *OrchestratorMetrics) ADRCallStarted() {
	if m != nil {
		m.adrInFlight.Inc()
	}
}

func (m *OrchestratorMetrics) ADRCallFinished() {
	if m != nil {
		m.adrInFlight.Dec()
	}
}
