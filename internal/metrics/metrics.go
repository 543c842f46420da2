// Package metrics defines the Prometheus collectors for conversions and the
// cleanup sweep, and exposes a scrape handler.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ConversionsTotal    *prometheus.CounterVec
	RenderDuration      *prometheus.HistogramVec
	PDFBytes            prometheus.Histogram
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	DeletionsTotal      *prometheus.CounterVec
	ActiveDocuments     prometheus.Gauge
}

// New creates the collectors on a fresh registry, together with Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, route, and status.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"method", "route"},
		),
		ConversionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "md2pdf_conversions_total",
				Help: "Conversions by response mode (url, pdf) and outcome (ok, error).",
			},
			[]string{"mode", "outcome"},
		),
		RenderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "md2pdf_render_duration_seconds",
				Help:    "Markdown to PDF rendering latency in seconds.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"engine"},
		),
		PDFBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "md2pdf_pdf_bytes",
				Help:    "Size of generated PDFs.",
				Buckets: prometheus.ExponentialBuckets(4<<10, 4, 8),
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "md2pdf_cache_hits_total",
				Help: "Total number of PDF cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "md2pdf_cache_misses_total",
				Help: "Total number of PDF cache misses.",
			},
		),
		DeletionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "md2pdf_cleanup_deletions_total",
				Help: "Expired document deletions by status (ok, error).",
			},
			[]string{"status"},
		),
		ActiveDocuments: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "md2pdf_documents_active",
				Help: "Documents currently held in the transient store.",
			},
		),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ConversionsTotal,
		m.RenderDuration,
		m.PDFBytes,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.DeletionsTotal,
		m.ActiveDocuments,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns the Prometheus scrape HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request count and latency per matched route.
func (m *Metrics) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if e, ok := err.(*fiber.Error); ok {
			status = e.Code
		} else if err != nil {
			status = fiber.StatusInternalServerError
		}
		route := c.Route().Path
		m.HTTPRequestsTotal.WithLabelValues(c.Method(), route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(c.Method(), route).Observe(time.Since(start).Seconds())
		return err
	}
}

// ObserveRender records one engine run.
func (m *Metrics) ObserveRender(engine string, d time.Duration, size int) {
	m.RenderDuration.WithLabelValues(engine).Observe(d.Seconds())
	if size > 0 {
		m.PDFBytes.Observe(float64(size))
	}
}

// Conversion counts one finished conversion request.
func (m *Metrics) Conversion(mode string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ConversionsTotal.WithLabelValues(mode, outcome).Inc()
}

func (m *Metrics) CacheHit()  { m.CacheHitsTotal.Inc() }
func (m *Metrics) CacheMiss() { m.CacheMissesTotal.Inc() }

// DocumentDeleted implements cleanup.Observer.
func (m *Metrics) DocumentDeleted(err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.DeletionsTotal.WithLabelValues(status).Inc()
}

// DocumentsActive implements cleanup.Observer.
func (m *Metrics) DocumentsActive(n int) {
	m.ActiveDocuments.Set(float64(n))
}
