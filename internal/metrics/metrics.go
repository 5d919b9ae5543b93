// Package metrics exposes Prometheus collectors for the capture service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	captureJobsTotal             *prometheus.CounterVec
	captureDurationSeconds       prometheus.Histogram
	captureEngineStepsTotal      prometheus.Counter
	captureActiveWorkers         prometheus.Gauge
	captureReapedJobsTotal       prometheus.Counter
	webhookDeliveriesTotal       *prometheus.CounterVec
	webhookEscalationEmailsTotal prometheus.Counter
	taskFailuresTotal            *prometheus.CounterVec
	archiveBytesStoredTotal      prometheus.Counter
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		captureJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "captureq_jobs_total",
				Help: "Total number of capture jobs finished, labeled by terminal status.",
			},
			[]string{"status"},
		)

		captureDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "captureq_capture_duration_seconds",
				Help:    "Histogram of wall-clock time spent per capture attempt.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		captureEngineStepsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "captureq_engine_steps_total",
				Help: "Total progress steps reported by capture engine containers.",
			},
		)

		captureActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "captureq_active_workers",
				Help: "Number of workers currently running a capture.",
			},
		)

		captureReapedJobsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "captureq_reaped_jobs_total",
				Help: "Total in-progress jobs failed by the stale-job reaper.",
			},
		)

		webhookDeliveriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "captureq_webhook_deliveries_total",
				Help: "Total webhook delivery attempts, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		webhookEscalationEmailsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "captureq_webhook_escalation_emails_total",
				Help: "Total escalation emails sent after webhook retry exhaustion.",
			},
		)

		taskFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "captureq_task_failures_total",
				Help: "Total terminal task failures, labeled by task kind.",
			},
			[]string{"kind"},
		)

		archiveBytesStoredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "captureq_archive_bytes_stored_total",
				Help: "Total archive bytes uploaded to durable storage.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJobFinished increments the job counter for the given terminal status
// and records how long the attempt ran.
func ObserveJobFinished(status string, duration time.Duration) {
	captureJobsTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		captureDurationSeconds.Observe(duration.Seconds())
	}
}

// ObserveEngineStep counts one progress line from a capture engine.
func ObserveEngineStep() {
	captureEngineStepsTotal.Inc()
}

// ObserveReapedJobs counts jobs failed by the stale-job reaper.
func ObserveReapedJobs(n int) {
	if n > 0 {
		captureReapedJobsTotal.Add(float64(n))
	}
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	captureActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	captureActiveWorkers.Dec()
}

// ObserveWebhookDelivery counts one delivery attempt with its outcome
// ("delivered", "retried", "escalated" or "skipped").
func ObserveWebhookDelivery(outcome string) {
	webhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// ObserveWebhookEscalation counts one escalation email.
func ObserveWebhookEscalation() {
	webhookEscalationEmailsTotal.Inc()
}

// ObserveTaskFailure counts one terminal task failure.
func ObserveTaskFailure(kind string) {
	taskFailuresTotal.WithLabelValues(kind).Inc()
}

// ObserveArchiveStored records the size of an uploaded archive.
func ObserveArchiveStored(bytes int64) {
	if bytes > 0 {
		archiveBytesStoredTotal.Add(float64(bytes))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
