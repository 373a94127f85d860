package metrics

import (
	"net/http"
	"time"

	"github.com/mediaforge/jobs-api/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "media"

// Metrics collects job, retention and connection series on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	submitted *prometheus.CounterVec
	finished  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	inFlight  prometheus.Gauge

	sweepRemoved prometheus.Counter
	sweepFailed  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Jobs accepted for processing.",
		}, []string{"kind"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Jobs that reached a terminal status.",
		}, []string{"kind", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from submission to terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"kind", "status"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Jobs currently processing.",
		}),
		sweepRemoved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_removed_total",
			Help:      "Stored entries deleted by the retention sweeper.",
		}),
		sweepFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_failed_total",
			Help:      "Stored entries the retention sweeper could not delete.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.submitted,
		m.finished,
		m.duration,
		m.inFlight,
		m.sweepRemoved,
		m.sweepFailed,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) JobStarted(kind domain.JobKind) {
	m.submitted.WithLabelValues(string(kind)).Inc()
	m.inFlight.Inc()
}

func (m *Metrics) JobFinished(kind domain.JobKind, status domain.JobStatus, elapsed time.Duration) {
	m.finished.WithLabelValues(string(kind), string(status)).Inc()
	m.duration.WithLabelValues(string(kind), string(status)).Observe(elapsed.Seconds())
	m.inFlight.Dec()
}

func (m *Metrics) SweepFinished(removed, failed int) {
	m.sweepRemoved.Add(float64(removed))
	m.sweepFailed.Add(float64(failed))
}

// TrackConnections exposes the live progress connection count.
func (m *Metrics) TrackConnections(count func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "progress_connections",
		Help:      "Open progress channel connections.",
	}, func() float64 {
		return float64(count())
	}))
}
