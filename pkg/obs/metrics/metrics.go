package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides a self-contained Prometheus registry, common HTTP metrics,
// and helpers to expose /metrics and instrument handlers without creating
// import cycles.
type Metrics struct {
	reg      *prometheus.Registry
	inflight prometheus.Gauge
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// New creates a Metrics instance with a fresh registry and registers
// collectors. Requests are partitioned by protocol adapter in addition to
// method and status code.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "polystore",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of inflight HTTP requests.",
	})
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "polystore",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed, partitioned by status code, method, and protocol adapter.",
	}, []string{"code", "method", "protocol"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "polystore",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Histogram of latencies for HTTP requests.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"code", "method", "protocol"})

	_ = reg.Register(inflight)
	_ = reg.Register(requests)
	_ = reg.Register(latency)

	return &Metrics{
		reg:      reg,
		inflight: inflight,
		requests: requests,
		latency:  latency,
	}
}

// RegisterSessionGauge exposes the number of live upload sessions.
func (m *Metrics) RegisterSessionGauge(active func() int) {
	g := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "polystore",
		Subsystem: "uploads",
		Name:      "active_sessions",
		Help:      "Current number of open upload sessions.",
	}, func() float64 { return float64(active()) })
	_ = m.reg.Register(g)
}

// Handler returns an http.Handler that serves Prometheus metrics using the
// internal registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// statusRecorder captures the HTTP status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware wraps an http.Handler to collect basic HTTP metrics: an
// inflight gauge plus the requests_total counter and request_duration_seconds
// histogram, both labeled by method and code together with the adapter label
// that protocolOf derives from the request path.
func (m *Metrics) Middleware(next http.Handler, protocolOf func(path string) string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.inflight.Inc()
		defer m.inflight.Dec()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		method := r.Method
		code := strconv.Itoa(rec.status)
		protocol := protocolOf(r.URL.Path)
		elapsed := time.Since(start).Seconds()

		m.requests.WithLabelValues(code, method, protocol).Inc()
		m.latency.WithLabelValues(code, method, protocol).Observe(elapsed)
	})
}

// Registry returns the underlying Prometheus registry for advanced usage.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}
