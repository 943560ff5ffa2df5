package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	activeSessions prometheus.Gauge

	stepTotal    *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepRetries  prometheus.Counter

	providerCallTotal   *prometheus.CounterVec
	providerCallErrors  *prometheus.CounterVec
	providerCallLatency *prometheus.HistogramVec

	memorySearchDuration prometheus.Histogram
	memoryIngestTotal    prometheus.Counter

	replanTotal  prometheus.Counter
	sessionTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "daksha_active_sessions",
					Help: "Sessions currently in the running state.",
				},
			),
			stepTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "daksha_step_total",
					Help: "Completed step executions by type and status.",
				},
				[]string{"type", "status"},
			),
			stepDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "daksha_step_duration_seconds",
					Help:    "Step execution duration in seconds by type.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"type"},
			),
			stepRetries: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "daksha_step_retries_total",
					Help: "Total step retry attempts.",
				},
			),
			providerCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "daksha_provider_call_total",
					Help: "Model provider calls by provider name.",
				},
				[]string{"provider"},
			),
			providerCallErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "daksha_provider_call_errors_total",
					Help: "Model provider call errors by provider name and kind.",
				},
				[]string{"provider", "kind"},
			),
			providerCallLatency: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "daksha_provider_call_duration_seconds",
					Help:    "Model provider call duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			memorySearchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "daksha_memory_search_duration_seconds",
					Help:    "Memory retrieval duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryIngestTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "daksha_memory_ingest_total",
					Help: "Total memory chunks ingested.",
				},
			),
			replanTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "daksha_replan_total",
					Help: "Total re-planning rounds triggered by step failure.",
				},
			),
			sessionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "daksha_session_total",
					Help: "Session terminal transitions by final status.",
				},
				[]string{"status"},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.stepTotal,
			m.stepDuration,
			m.stepRetries,
			m.providerCallTotal,
			m.providerCallErrors,
			m.providerCallLatency,
			m.memorySearchDuration,
			m.memoryIngestTotal,
			m.replanTotal,
			m.sessionTotal,
		)

		metricsInst = m
	})
	return metricsInst
}

// EnsureRegistered forces metric registration. Safe to call multiple times.
func EnsureRegistered() {
	getMetrics()
}

// SetActiveSessions sets the active session gauge
func SetActiveSessions(n int) {
	getMetrics().activeSessions.Set(float64(n))
}

// RecordStep records a completed step execution
func RecordStep(stepType, status string, d time.Duration) {
	m := getMetrics()
	m.stepTotal.WithLabelValues(stepType, status).Inc()
	m.stepDuration.WithLabelValues(stepType).Observe(d.Seconds())
}

// RecordStepRetry increments the retry counter
func RecordStepRetry() {
	getMetrics().stepRetries.Inc()
}

// RecordProviderCall records a model provider call
func RecordProviderCall(provider string, d time.Duration) {
	m := getMetrics()
	m.providerCallTotal.WithLabelValues(provider).Inc()
	m.providerCallLatency.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordProviderError records a classified provider failure
func RecordProviderError(provider, kind string) {
	getMetrics().providerCallErrors.WithLabelValues(provider, kind).Inc()
}

// RecordMemorySearch records a memory retrieval
func RecordMemorySearch(d time.Duration) {
	getMetrics().memorySearchDuration.Observe(d.Seconds())
}

// RecordMemoryIngest increments the ingest counter
func RecordMemoryIngest() {
	getMetrics().memoryIngestTotal.Inc()
}

// RecordReplan increments the re-plan counter
func RecordReplan() {
	getMetrics().replanTotal.Inc()
}

// RecordSessionTerminal records a session reaching a terminal status
func RecordSessionTerminal(status string) {
	getMetrics().sessionTotal.WithLabelValues(status).Inc()
}
