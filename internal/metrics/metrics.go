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
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_jobs_enqueued_total",
			Help: "Delivery jobs enqueued by channel",
		},
		[]string{"channel"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_jobs_processed_total",
			Help: "Delivery jobs processed by channel and outcome",
		},
		[]string{"channel", "outcome"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_delivery_latency_seconds",
			Help:    "Time from enqueue to delivery attempt completion",
			Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"channel"},
	)

	rateLimitDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_rate_limit_drops_total",
			Help: "Channels dropped from a notification by the per-user rate limiter",
		},
		[]string{"channel"},
	)

	jobsBatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_jobs_batched_total",
			Help: "Source jobs collapsed into synthetic batch jobs",
		},
	)

	notificationsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_notifications_expired_total",
			Help: "Notifications removed by the expiry sweep",
		},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_queue_depth",
			Help: "Waiting jobs per channel queue",
		},
		[]string{"channel"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordJobEnqueued records one delivery job handed to a channel queue
func RecordJobEnqueued(channel string) {
	jobsEnqueued.WithLabelValues(channel).Inc()
}

// RecordJobProcessed records a delivery attempt outcome (sent/failed/retried)
func RecordJobProcessed(channel, outcome string) {
	jobsProcessed.WithLabelValues(channel, outcome).Inc()
}

// RecordDeliveryLatency records enqueue-to-completion time for a channel
func RecordDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// RecordRateLimitDrop records a channel dropped by the per-user rate limiter
func RecordRateLimitDrop(channel string) {
	rateLimitDrops.WithLabelValues(channel).Inc()
}

// RecordBatched records source jobs collapsed into a synthetic batch job
func RecordBatched(count int) {
	jobsBatched.Add(float64(count))
}

// RecordExpired records notifications purged by the expiry sweep
func RecordExpired(count int64) {
	notificationsExpired.Add(float64(count))
}

// SetQueueDepth sets the waiting-job gauge for a channel queue
func SetQueueDepth(channel string, depth int64) {
	queueDepth.WithLabelValues(channel).Set(float64(depth))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
