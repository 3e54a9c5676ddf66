package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Total number of webhook deliveries by source and outcome",
		},
		[]string{"source", "result"},
	)

	QueueEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueued_total",
			Help: "Total number of items enqueued",
		},
		[]string{"source"},
	)
	QueueCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_completed_total",
			Help: "Total number of items completed",
		},
		[]string{"source"},
	)
	QueueFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_failed_total",
			Help: "Total number of item failures, retried or terminal",
		},
		[]string{"source"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Current queue depth by source and status",
		},
		[]string{"source", "status"},
	)
	QueueStuckResetTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_stuck_reset_total",
			Help: "Total number of processing items swept back to pending",
		},
	)
	QueueCleanupDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_cleanup_deleted_total",
			Help: "Total number of completed items removed by retention cleanup",
		},
	)

	DispatchBatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dispatch_batch_duration_seconds",
			Help:    "Dispatcher batch processing duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"source"},
	)

	SourceAPIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "source_api_requests_total",
			Help: "Total number of source API requests by source and operation",
		},
		[]string{"source", "operation"},
	)
	SourceAPIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "source_api_request_duration_seconds",
			Help:    "Source API request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"source", "operation"},
	)

	BackfillRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfill_runs_total",
			Help: "Total number of backfill polls by source and outcome",
		},
		[]string{"source", "result"},
	)
	BackfillRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backfill_records_total",
			Help: "Total number of records enqueued by the backfill",
		},
		[]string{"source"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(QueueEnqueuedTotal)
	prometheus.MustRegister(QueueCompletedTotal)
	prometheus.MustRegister(QueueFailedTotal)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueStuckResetTotal)
	prometheus.MustRegister(QueueCleanupDeletedTotal)
	prometheus.MustRegister(DispatchBatchDuration)
	prometheus.MustRegister(SourceAPIRequestsTotal)
	prometheus.MustRegister(SourceAPIRequestDuration)
	prometheus.MustRegister(BackfillRunsTotal)
	prometheus.MustRegister(BackfillRecordsTotal)
}

// ObserveQueueDepth publishes one source's health snapshot to the gauge.
func ObserveQueueDepth(source string, pending, processing, failed, deadLetter int64) {
	QueueDepth.WithLabelValues(source, "pending").Set(float64(pending))
	QueueDepth.WithLabelValues(source, "processing").Set(float64(processing))
	QueueDepth.WithLabelValues(source, "failed").Set(float64(failed))
	QueueDepth.WithLabelValues(source, "dead_letter").Set(float64(deadLetter))
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
