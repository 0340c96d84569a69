package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	violations prometheus.Counter
	scanned    prometheus.Gauge
	cleaned    *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// RecordIntegrityScan stores the outcome of a ledger integrity scan.
func (m *Metrics) RecordIntegrityScan(scanned, violations int) {
	if m == nil {
		return
	}
	m.scanned.Set(float64(scanned))
	if violations > 0 {
		m.violations.Add(float64(violations))
	}
}

// AddCleaned counts expired idempotency keys removed for module.
func (m *Metrics) AddCleaned(module string, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.cleaned.WithLabelValues(module).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cardledger_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cardledger_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cardledger_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	violations := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cardledger_ledger_integrity_violations_total",
		Help: "Inventory lines found breaking the cost basis invariants.",
	})
	scanned := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "cardledger_ledger_lines_scanned",
		Help: "Lines inspected by the latest integrity scan.",
	})
	cleaned := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cardledger_idempotency_keys_cleaned_total",
		Help: "Expired idempotency keys removed by module.",
	}, []string{"module"})
	registerer.MustRegister(runs, failures, duration, violations, scanned, cleaned)
	return &Metrics{runs: runs, failures: failures, duration: duration, violations: violations, scanned: scanned, cleaned: cleaned}
}
