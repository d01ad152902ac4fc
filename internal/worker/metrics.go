package worker

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the worker's private registry. Pass it to the enhancer as its
// observer so stage timings land next to job counters.
type Metrics struct {
	registry             *prometheus.Registry
	jobsTotal            *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	activeJobs           prometheus.Gauge
	webhookDeliveries    *prometheus.CounterVec
	enhanceOutcomes      *prometheus.CounterVec
	stageDuration        *prometheus.HistogramVec
	pixelsProcessedTotal prometheus.Counter
	inputBytesTotal      prometheus.Counter
	outputBytesTotal     prometheus.Counter
	computeTimeMSTotal   prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retouch_worker_jobs_total",
			Help: "Total worker jobs by source type and final status.",
		}, []string{"source_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retouch_worker_job_duration_seconds",
			Help:    "Total processing duration for each worker job.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source_type", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "retouch_worker_active_jobs",
			Help: "Current number of jobs being enhanced.",
		}),
		webhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retouch_worker_webhook_deliveries_total",
			Help: "Webhook deliveries by event and result.",
		}, []string{"event", "result"}),
		enhanceOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retouch_enhance_total",
			Help: "Enhancement runs by outcome.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "retouch_enhance_stage_duration_seconds",
			Help:    "Duration of each enhancement stage.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2.5, 10),
		}, []string{"stage"}),
		pixelsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retouch_usage_pixels_processed_total",
			Help: "Total output pixels across successful jobs.",
		}),
		inputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retouch_usage_input_bytes_total",
			Help: "Total source bytes across successful jobs.",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retouch_usage_output_bytes_total",
			Help: "Total enhanced bytes across successful jobs.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retouch_usage_compute_time_ms_total",
			Help: "Total compute time in milliseconds across successful jobs.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.webhookDeliveries,
		m.enhanceOutcomes,
		m.stageDuration,
		m.pixelsProcessedTotal,
		m.inputBytesTotal,
		m.outputBytesTotal,
		m.computeTimeMSTotal,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ObserveOutcome(outcome string) {
	m.enhanceOutcomes.WithLabelValues(outcome).Inc()
}
