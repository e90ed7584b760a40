// Package metrics provides Prometheus instrumentation for the yield engine.
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
	// EventsProcessed counts chain events processed, partitioned by kind.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yield_events_processed_total",
		Help: "Total number of chain events processed",
	}, []string{"kind"})

	// EventLatency tracks per-event processing latency by kind.
	EventLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yield_event_latency_seconds",
		Help:    "Chain event processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// DuplicateEvents counts balance events suppressed by the
	// idempotency guard.
	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yield_duplicate_events_total",
		Help: "Balance events skipped as already-processed duplicates",
	})

	// BalanceAnomalies counts recoverable data anomalies (negative
	// scaled balances, withdrawals with no tracked deposit).
	BalanceAnomalies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yield_balance_anomalies_total",
		Help: "Recoverable balance anomalies clamped during ingestion",
	}, []string{"kind"})

	// IndexFallbacks counts liquidity-index resolutions that fell back
	// to a default or unextrapolated value.
	IndexFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yield_index_fallbacks_total",
		Help: "Liquidity index resolutions that used a fallback value",
	})

	// OracleFailures counts best-effort price lookups that failed.
	OracleFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yield_oracle_failures_total",
		Help: "Price oracle lookups that failed",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yield_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yield_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yield_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
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
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
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
