// Package metrics exposes Prometheus instruments for the scheduling subsystem.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry      prometheus.Registerer
	dispatchTotal *prometheus.CounterVec
	jobsActive    *prometheus.GaugeVec
	jobDuration   *prometheus.HistogramVec
	statusTotal   *prometheus.CounterVec
}

// New registers the scheduling instruments on reg, or on the default
// registerer when reg is nil.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		registry: reg,
		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedule_dispatch_total",
				Help:      "Number of dispatches to a scheduler backend by outcome",
			},
			[]string{"scheduler", "outcome"},
		),
		jobsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduler_jobs_active",
				Help:      "Number of supervised jobs currently running",
			},
			[]string{"scheduler"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "scheduler_job_duration_seconds",
				Help:      "Duration of supervised experiment runs",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"scheduler", "status"},
		),
		statusTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "schedule_status_transitions_total",
				Help:      "Schedule record status transitions",
			},
			[]string{"status"},
		),
	}

	reg.MustRegister(
		m.dispatchTotal,
		m.jobsActive,
		m.jobDuration,
		m.statusTotal,
	)

	return m
}

func (m *Metrics) RecordDispatch(scheduler, outcome string) {
	m.dispatchTotal.WithLabelValues(scheduler, outcome).Inc()
}

func (m *Metrics) RecordStatus(status string) {
	m.statusTotal.WithLabelValues(status).Inc()
}

// JobStarted implements workers.Recorder.
func (m *Metrics) JobStarted(scheduler string) {
	m.jobsActive.WithLabelValues(scheduler).Inc()
}

// JobFinished implements workers.Recorder.
func (m *Metrics) JobFinished(scheduler, status string, d time.Duration) {
	m.jobsActive.WithLabelValues(scheduler).Dec()
	m.jobDuration.WithLabelValues(scheduler, status).Observe(d.Seconds())
}
