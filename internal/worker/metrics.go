package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry              *prometheus.Registry
	jobsTotal             *prometheus.CounterVec
	unitsTotal            *prometheus.CounterVec
	unitsPlannedTotal     prometheus.Counter
	framesExtractedTotal  prometheus.Counter
	framesCleanedTotal    prometheus.Counter
	decodeFailuresTotal   prometheus.Counter
	detectionRetriesTotal prometheus.Counter
	detectionDuration     prometheus.Histogram
	activeTasks           prometheus.Gauge
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logolens_worker_jobs_total",
			Help: "Finalized jobs by media kind and terminal status.",
		}, []string{"kind", "status"}),
		unitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "logolens_worker_units_total",
			Help: "Detection units by terminal attempt status.",
		}, []string{"status"}),
		unitsPlannedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logolens_worker_units_planned_total",
			Help: "Detection units fanned out across all jobs.",
		}),
		framesExtractedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logolens_worker_frames_extracted_total",
			Help: "Frames extracted from source videos.",
		}),
		framesCleanedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logolens_worker_frames_cleaned_total",
			Help: "Extracted frames removed from object storage.",
		}),
		decodeFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logolens_worker_decode_failures_total",
			Help: "Jobs failed because the source media could not be decoded.",
		}),
		detectionRetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "logolens_worker_detection_retries_total",
			Help: "Detector invocations returned to the queue for retry.",
		}),
		detectionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "logolens_worker_detection_duration_seconds",
			Help:    "End-to-end duration of one successful unit detection.",
			Buckets: prometheus.DefBuckets,
		}),
		activeTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "logolens_worker_active_tasks",
			Help: "Fan-out tasks currently holding a worker slot.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.unitsTotal,
		m.unitsPlannedTotal,
		m.framesExtractedTotal,
		m.framesCleanedTotal,
		m.decodeFailuresTotal,
		m.detectionRetriesTotal,
		m.detectionDuration,
		m.activeTasks,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
