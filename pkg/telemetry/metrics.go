package telemetry

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the broker.
type Metrics struct {
	decisionsTotal *prometheus.CounterVec
	pendingGauge   prometheus.Gauge

	rpcRequestsTotal *prometheus.CounterVec
	rpcDuration      *prometheus.HistogramVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	configReloads *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the broker collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_decisions_total",
				Help: "Credential requests by outcome (granted, pending, denied, error)",
			},
			[]string{"result"},
		),

		pendingGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_pending_requests",
				Help: "Requests waiting for a human decision",
			},
		),

		rpcRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_rpc_requests_total",
				Help: "JSON-RPC requests processed by method and status",
			},
			[]string{"method", "status"},
		),

		rpcDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_rpc_duration_seconds",
				Help:    "JSON-RPC processing latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_http_requests_total",
				Help: "HTTP requests by method, endpoint and status code",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "broker_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_config_reloads_total",
				Help: "Configuration reload attempts by status",
			},
			[]string{"status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.decisionsTotal,
		m.pendingGauge,
		m.rpcRequestsTotal,
		m.rpcDuration,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.configReloads,
	)

	return m
}

// ObserveDecision counts one credential request outcome.
func (m *Metrics) ObserveDecision(result string) {
	m.decisionsTotal.WithLabelValues(result).Inc()
	recordDecision(result)
}

// SetPendingRequests sets the size of the approval queue.
func (m *Metrics) SetPendingRequests(n int) {
	m.pendingGauge.Set(float64(n))
}

// ObserveRPC records one processed JSON-RPC request. Unparseable messages
// arrive with an empty method.
func (m *Metrics) ObserveRPC(method, status string, duration time.Duration) {
	if method == "" {
		method = "unknown"
	}
	m.rpcRequestsTotal.WithLabelValues(method, status).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(duration.Seconds())
	recordRPC(method, status, duration)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordConfigReload records a configuration reload attempt
func (m *Metrics) RecordConfigReload(status string) {
	m.configReloads.WithLabelValues(status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request counts and latency for the wrapped handler.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, endpointName(r.URL.Path), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not support http.Hijacker")
}

// endpointName keeps the endpoint label bounded.
func endpointName(path string) string {
	switch path {
	case "/rpc":
		return "rpc"
	case "/health":
		return "health"
	case "/metrics":
		return "metrics"
	default:
		return "other"
	}
}
