package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const prefix = "protoeval_"

// Metrics holds the evaluation collectors. A nil *Metrics records nothing.
type Metrics struct {
	jobsFinished     *prometheus.CounterVec
	jobDuration      prometheus.Histogram
	toolRuns         *prometheus.CounterVec
	toolDuration     *prometheus.HistogramVec
	provisionRuns    *prometheus.CounterVec
	provisionSeconds *prometheus.HistogramVec
	pendingJobs      prometheus.Gauge
	submissions      *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered, which tests rely on.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		jobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "jobs_finished_total",
			Help: "Jobs that reached a terminal state",
		}, []string{"status"}),
		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    prefix + "job_duration_seconds",
			Help:    "Wall time from pickup to terminal state",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800},
		}),
		toolRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "tool_runs_total",
			Help: "External analyzer and simulator runs by outcome",
		}, []string{"tool", "outcome"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "tool_duration_seconds",
			Help:    "External tool wall time",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"tool"}),
		provisionRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "environment_ensure_total",
			Help: "Environment readiness checks by outcome",
		}, []string{"environment", "outcome"}),
		provisionSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "environment_ensure_seconds",
			Help:    "Time spent making an environment ready",
			Buckets: []float64{0.001, 0.01, 1, 10, 60, 120, 300, 600, 1200},
		}, []string{"environment"}),
		pendingJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "pending_jobs",
			Help: "Jobs found by the last scan",
		}),
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "submissions_total",
			Help: "Upload requests by outcome",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) ObserveJob(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(status).Inc()
	m.jobDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveTool(tool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.toolRuns.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveEnvironment(name string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ready"
	if err != nil {
		outcome = "failed"
	}
	m.provisionRuns.WithLabelValues(name, outcome).Inc()
	m.provisionSeconds.WithLabelValues(name).Observe(elapsed.Seconds())
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingJobs.Set(float64(n))
}

func (m *Metrics) ObserveSubmission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}
