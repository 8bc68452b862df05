// Package metrics provides Prometheus instrumentation for the pricing engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RecordsProcessed counts records through a batch stage, partitioned by
	// stage and outcome ("ok" or "failed").
	RecordsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b76_records_processed_total",
		Help: "Records processed by batch stage and outcome",
	}, []string{"stage", "outcome"})

	// RecordFailures counts failed records by stage and error kind.
	RecordFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b76_record_failures_total",
		Help: "Failed records by stage and error kind",
	}, []string{"stage", "kind"})

	// RecordLatency tracks time spent in one record's unit of work.
	RecordLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "b76_record_latency_seconds",
		Help:    "Per-record unit of work latency in seconds",
		Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1.0},
	}, []string{"stage"})

	// SolverIterations is the distribution of objective evaluations per
	// converged forward solve.
	SolverIterations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "b76_solver_iterations",
		Help:    "Objective evaluations per converged forward solve",
		Buckets: []float64{1, 5, 10, 20, 40, 60, 80, 100},
	})

	// BatchesTotal counts completed batches by status.
	BatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b76_batches_total",
		Help: "Completed batches by status",
	}, []string{"status"})

	// BatchDuration tracks end-to-end pipeline duration.
	BatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "b76_batch_duration_seconds",
		Help:    "Batch pipeline duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// InFlightRecords tracks records currently inside a worker.
	InFlightRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "b76_in_flight_records",
		Help: "Records currently being processed",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "b76_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// DeltaLimitBreaches counts priced batches whose exposure breaches at
	// least one delta limit.
	DeltaLimitBreaches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "b76_delta_limit_breaches_total",
		Help: "Priced batches breaching a delta exposure limit",
	})

	// PublishErrors counts priced records that could not be published.
	PublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "b76_publish_errors_total",
		Help: "Priced record publish failures",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "b76_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "b76_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Route pattern keeps batch IDs out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
