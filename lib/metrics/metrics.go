// Package metrics holds the Prometheus collectors shared by the adapter and syncer services.
package metrics

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
)

// Breaker states as exported by BreakerState.
const (
	BreakerClosed   = 0
	BreakerOpen     = 1
	BreakerHalfOpen = 2
)

var (
	// AdapterCalls counts chain adapter calls by outcome code ("OK" on success).
	AdapterCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chainadp_adapter_calls_total", Help: "Chain adapter calls"},
		[]string{"adapter", "op", "outcome"},
	)
	AdapterLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainadp_adapter_call_duration_seconds",
			Help:    "Chain adapter call duration including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"adapter", "op"},
	)
	AdapterRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chainadp_adapter_retries_total", Help: "Chain adapter retried attempts"},
		[]string{"adapter", "op"},
	)
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "chainadp_breaker_state", Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)"},
		[]string{"adapter"},
	)
	Tasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chainadp_sync_tasks_total", Help: "Chain sync task outcomes"},
		[]string{"status"},
	)
	ReconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chainadp_reconcile_runs_total", Help: "Organization reconciliation scans"},
		[]string{"outcome"},
	)
	Discrepancies = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chainadp_discrepancies_total", Help: "Discrepancies detected"},
		[]string{"kind", "severity"},
	)
	AuditWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chainadp_audit_writes_total", Help: "Audit event writes"},
		[]string{"mode", "outcome"},
	)
	AuditDropped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "chainadp_audit_dropped_total", Help: "Audit events dropped on a full queue"},
	)
	RateLimitHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chainadp_rate_limit_total", Help: "Rate limit hits"},
		[]string{"type"},
	)
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "chainadp_http_requests_total", Help: "Total HTTP requests"},
		[]string{"method", "path", "status"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chainadp_http_request_duration_seconds",
			Help:    "Request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() { //nolint:gochecknoinits
	prometheus.MustRegister(AdapterCalls, AdapterLatency, AdapterRetries, BreakerState, Tasks, ReconcileRuns,
		Discrepancies, AuditWrites, AuditDropped, RateLimitHits, requestsTotal, requestDuration)
}

// Instrument is a mux middleware recording method, route template, status and duration of every request.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := r.URL.Path

		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				path = tpl
			}
		}

		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		requestsTotal.WithLabelValues(r.Method, path, statusLabel(ww.status)).Inc()
		requestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// responseWriter captures status code for Prometheus labeling.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streamed responses working behind the middleware.
func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func statusLabel(code int) string {
	switch {
	case code >= 500: //nolint:gomnd
		return "5xx"
	case code >= 400: //nolint:gomnd
		return "4xx"
	case code >= 300: //nolint:gomnd
		return "3xx"
	case code >= 200: //nolint:gomnd
		return "2xx"
	default:
		return "unknown"
	}
}
