package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	conflicts   *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
	outcomes    *prometheus.CounterVec
	drift       prometheus.Gauge
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

// AddConflict counts an optimistic lock conflict observed by job.
func (m *Metrics) AddConflict(job string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(job).Inc()
}

// AddDeadLetter counts a task that exhausted its retries.
func (m *Metrics) AddDeadLetter(taskType string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(taskType).Inc()
}

// AddOutcome counts how a balance delta affected the stored row.
func (m *Metrics) AddOutcome(outcome string) {
	if m == nil || outcome == "" {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

// SetDrift records how many balances disagree with their journal lines.
func (m *Metrics) SetDrift(count int) {
	if m == nil {
		return
	}
	m.drift.Set(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	conflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_ledger_balance_conflicts_total",
		Help: "Optimistic lock conflicts hit while applying balance deltas.",
	}, []string{"job"})
	deadLetters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_jobs_dead_letters_total",
		Help: "Tasks archived after exhausting their retry budget.",
	}, []string{"task"})
	outcomes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_ledger_balance_deltas_total",
		Help: "Balance deltas partitioned by outcome (inserted, updated, duplicate).",
	}, []string{"outcome"})
	drift := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "odyssey_ledger_balance_drift",
		Help: "Balances whose stored value differs from the sum of posted lines at the last reconciliation.",
	})
	registerer.MustRegister(runs, failures, duration, conflicts, deadLetters, outcomes, drift)
	return &Metrics{
		runs:        runs,
		failures:    failures,
		duration:    duration,
		conflicts:   conflicts,
		deadLetters: deadLetters,
		outcomes:    outcomes,
		drift:       drift,
	}
}
