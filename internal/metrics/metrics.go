package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the process's Prometheus collectors.
type Metrics struct {
	registry        *prometheus.Registry
	verdicts        *prometheus.CounterVec
	faceVerify      *prometheus.HistogramVec
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
}

// New registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "geoattend_verdicts_total",
			Help: "Attendance submissions by outcome and reason",
		}, []string{"outcome", "reason"}),
		faceVerify: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "geoattend_face_verify_seconds",
			Help:    "Latency of face verification calls",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"result"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
	}

	registry.MustRegister(
		m.verdicts,
		m.faceVerify,
		m.requestDuration,
		m.requestTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveVerdict counts one decided submission.
func (m *Metrics) ObserveVerdict(outcome, reason string) {
	m.verdicts.WithLabelValues(outcome, reason).Inc()
}

// ObserveFaceVerify records one oracle call.
func (m *Metrics) ObserveFaceVerify(result string, d time.Duration) {
	m.faceVerify.WithLabelValues(result).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Middleware records request counts and latency per route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.requestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		m.requestTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}
