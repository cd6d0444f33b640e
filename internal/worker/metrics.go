package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry         *prometheus.Registry
	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	activeJobs       prometheus.Gauge
	inputPartsTotal  prometheus.Counter
	inputBytesTotal  prometheus.Counter
	notesBytesTotal  prometheus.Counter
	webhookFailTotal prometheus.Counter
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
			Name: "notetaker_worker_jobs_total",
			Help: "Total synthesis attempts by outcome.",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notetaker_worker_job_duration_seconds",
			Help:    "Duration of each synthesis attempt.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80, 160, 320, 640},
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "notetaker_worker_active_jobs",
			Help: "Current number of jobs holding a synthesis slot.",
		}),
		inputPartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notetaker_worker_input_parts_total",
			Help: "Total audio and image parts sent to the synthesizer.",
		}),
		inputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notetaker_worker_input_bytes_total",
			Help: "Total bytes of material sent to the synthesizer.",
		}),
		notesBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notetaker_worker_notes_bytes_total",
			Help: "Total bytes of generated notes.",
		}),
		webhookFailTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notetaker_worker_webhook_failures_total",
			Help: "Total webhook deliveries that exhausted their retries.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.inputPartsTotal,
		m.inputBytesTotal,
		m.notesBytesTotal,
		m.webhookFailTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
