package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apphost/reposync/pkg/engine"
)

// Metrics provides Prometheus metrics for reposync. It implements
// engine.Recorder, oracle.Recorder and audit.FailureRecorder. A disabled
// Metrics accepts every call and records nothing.
type Metrics struct {
	config MetricsConfig

	// Cycle metrics
	cyclesCompleted *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	lastCycle       prometheus.Gauge
	inFlight        prometheus.Gauge

	// Application metrics
	results             *prometheus.CounterVec
	attempts            *prometheus.CounterVec
	attemptDuration     *prometheus.HistogramVec
	consecutiveFailures *prometheus.GaugeVec
	degraded            *prometheus.GaugeVec

	// Oracle metrics
	oracleRequests *prometheus.CounterVec
	oracleDuration *prometheus.HistogramVec
	budgetLimit    prometheus.Gauge
	budgetLeft     prometheus.Gauge

	// Audit metrics
	auditFailures *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		cyclesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cycles_completed_total",
				Help:      "Total number of reconciliation cycles completed",
			},
			[]string{"status"},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duration of reconciliation cycles in seconds",
				Buckets:   buckets,
			},
		),
		lastCycle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_cycle_timestamp_seconds",
				Help:      "Unix time the last reconciliation cycle completed",
			},
		),
		inFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "applications_in_flight",
				Help:      "Current number of applications being evaluated",
			},
		),

		results: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "results_total",
				Help:      "Total number of cycle results by outcome",
			},
			[]string{"application", "outcome"},
		),
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executor_attempts_total",
				Help:      "Total number of executor attempts by stage reached",
			},
			[]string{"application", "stage"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "executor_attempt_duration_seconds",
				Help:      "Duration of executor attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"application"},
		),
		consecutiveFailures: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "application_consecutive_failures",
				Help:      "Failed attempts since the last successful deployment",
			},
			[]string{"application"},
		),
		degraded: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "application_degraded",
				Help:      "Whether the application is degraded (1) or not (0)",
			},
			[]string{"application"},
		),

		oracleRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oracle_requests_total",
				Help:      "Total number of upstream commit queries",
			},
			[]string{"source", "status"},
		),
		oracleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "oracle_request_duration_seconds",
				Help:      "Duration of upstream commit queries in seconds",
				Buckets:   buckets,
			},
			[]string{"source"},
		),
		budgetLimit: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "poll_budget_limit",
				Help:      "Upstream requests allowed per budget window",
			},
		),
		budgetLeft: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "poll_budget_remaining",
				Help:      "Upstream requests left in the current budget window",
			},
		),

		auditFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_write_failures_total",
				Help:      "Total number of audit writes that failed, by sink",
			},
			[]string{"sink"},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cyclesCompleted,
		m.cycleDuration,
		m.lastCycle,
		m.inFlight,
		m.results,
		m.attempts,
		m.attemptDuration,
		m.consecutiveFailures,
		m.degraded,
		m.oracleRequests,
		m.oracleDuration,
		m.budgetLimit,
		m.budgetLeft,
		m.auditFailures,
	)

	return m, nil
}

// Reconciler metrics

// RecordResult implements engine.Recorder.
func (m *Metrics) RecordResult(result engine.CycleResult) {
	if m.results == nil {
		return
	}
	m.results.WithLabelValues(result.Application, string(result.Outcome)).Inc()
}

// RecordAttempt implements engine.Recorder. Successful attempts are
// labelled stage "ok".
func (m *Metrics) RecordAttempt(application string, err error, duration time.Duration) {
	if m.attempts == nil {
		return
	}
	stage := "ok"
	if err != nil {
		stage = engine.StageOf(err)
		if stage == "" {
			stage = "unknown"
		}
	}
	m.attempts.WithLabelValues(application, stage).Inc()
	m.attemptDuration.WithLabelValues(application).Observe(duration.Seconds())
}

// RecordCycle implements engine.Recorder.
func (m *Metrics) RecordCycle(report *engine.CycleReport) {
	if m.cyclesCompleted == nil {
		return
	}
	status := "ok"
	if report.Failed() {
		status = "failed"
	}
	m.cyclesCompleted.WithLabelValues(status).Inc()
	m.cycleDuration.Observe(report.CompletedAt.Sub(report.StartedAt).Seconds())
	m.lastCycle.Set(float64(report.CompletedAt.Unix()))
}

// SetInFlight implements engine.Recorder.
func (m *Metrics) SetInFlight(n int) {
	if m.inFlight == nil {
		return
	}
	m.inFlight.Set(float64(n))
}

// SetApplicationState implements engine.Recorder.
func (m *Metrics) SetApplicationState(application string, state engine.State, ceiling int) {
	if m.consecutiveFailures == nil {
		return
	}
	m.consecutiveFailures.WithLabelValues(application).Set(float64(state.ConsecutiveFailures))
	degraded := 0.0
	if state.Degraded(ceiling) {
		degraded = 1.0
	}
	m.degraded.WithLabelValues(application).Set(degraded)
}

// ForgetApplication drops the per-application series of an application
// that left the configuration.
func (m *Metrics) ForgetApplication(application string) {
	if m.registry == nil {
		return
	}
	labels := prometheus.Labels{"application": application}
	m.results.DeletePartialMatch(labels)
	m.attempts.DeletePartialMatch(labels)
	m.attemptDuration.DeletePartialMatch(labels)
	m.consecutiveFailures.DeletePartialMatch(labels)
	m.degraded.DeletePartialMatch(labels)
}

// Oracle metrics

// RecordOracleRequest implements oracle.Recorder.
func (m *Metrics) RecordOracleRequest(source, status string, duration time.Duration) {
	if m.oracleRequests == nil {
		return
	}
	m.oracleRequests.WithLabelValues(source, status).Inc()
	if duration > 0 {
		m.oracleDuration.WithLabelValues(source).Observe(duration.Seconds())
	}
}

// SetPollBudget implements oracle.Recorder.
func (m *Metrics) SetPollBudget(limit, remaining int) {
	if m.budgetLimit == nil {
		return
	}
	m.budgetLimit.Set(float64(limit))
	m.budgetLeft.Set(float64(remaining))
}

// Audit metrics

// RecordAuditFailure implements audit.FailureRecorder.
func (m *Metrics) RecordAuditFailure(sink string) {
	if m.auditFailures == nil {
		return
	}
	m.auditFailures.WithLabelValues(sink).Inc()
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
