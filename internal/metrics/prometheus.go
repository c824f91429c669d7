package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaypoint_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaypoint_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	pipelineOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaypoint_pipeline_outcomes_total",
			Help: "Pipeline passes by terminal status",
		},
		[]string{"status", "priority"},
	)

	deliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaypoint_delivery_attempts_total",
			Help: "Channel delivery attempts by channel and result",
		},
		[]string{"channel", "result"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaypoint_delivery_latency_seconds",
			Help:    "Per-channel delivery latency",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	intakeQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaypoint_intake_queue_depth",
			Help: "Current depth of the pipeline intake queue",
		},
	)

	auditBufferDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaypoint_audit_buffer_depth",
			Help: "Current depth of the audit writer buffer",
		},
	)
)

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePipelineOutcome counts one terminal pipeline status.
func ObservePipelineOutcome(status, priority string) {
	pipelineOutcomes.WithLabelValues(status, priority).Inc()
}

// ObserveDelivery counts one channel delivery attempt and its latency.
func ObserveDelivery(channel, result string, latency time.Duration) {
	deliveryAttempts.WithLabelValues(channel, result).Inc()
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// SetIntakeQueueDepth publishes the intake queue gauge.
func SetIntakeQueueDepth(depth int) {
	intakeQueueDepth.Set(float64(depth))
}

// SetAuditBufferDepth publishes the audit buffer gauge.
func SetAuditBufferDepth(depth int) {
	auditBufferDepth.Set(float64(depth))
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request count and latency for every handler it wraps.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		httpRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}
