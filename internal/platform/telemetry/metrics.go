// Package telemetry records server metrics with the Prometheus client and
// serves them for scraping.
package telemetry

import (
	"context"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/unihealth/unihealth/internal/platform/changefeed"
	"github.com/unihealth/unihealth/internal/platform/tree"
)

// DurationBuckets are the request duration bucket boundaries in seconds.
var DurationBuckets = []float64{
	0.005, 0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// Metrics owns a private registry so several servers (and tests) can live
// in one process.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	active          prometheus.Gauge
	changes         *prometheus.CounterVec
}

// NewMetrics creates the registry. service is exported as a label of
// unihealth_build_info.
func NewMetrics(service string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: DurationBuckets,
			},
			[]string{"method", "route"},
		),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_active_requests",
			Help: "Number of HTTP requests in flight.",
		}),
		changes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tree_changes_total",
				Help: "Committed tree mutations by op and collection.",
			},
			[]string{"op", "collection"},
		),
	}

	build := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "unihealth_build_info",
		Help:        "Service identity.",
		ConstLabels: prometheus.Labels{"service": service},
	})
	build.Set(1)

	m.registry.MustRegister(
		m.requests,
		m.requestDuration,
		m.active,
		m.changes,
		build,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RegisterGauge adds a gauge whose value is read from fn on every scrape.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Name: name, Help: help},
		fn,
	))
}

// Middleware records the count and duration of every request by method,
// route pattern and status.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.active.Inc()
			defer m.active.Dec()

			start := time.Now()
			if err := next(c); err != nil {
				// Resolve the status the error handler writes.
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.requests.WithLabelValues(method, route, strconv.Itoa(c.Response().Status)).Inc()
			m.requestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}

// Publisher returns a change feed publisher that only counts changes.
func (m *Metrics) Publisher() changefeed.Publisher {
	return changeCounter{changes: m.changes}
}

type changeCounter struct {
	changes *prometheus.CounterVec
}

func (p changeCounter) Publish(_ context.Context, c changefeed.Change) error {
	p.changes.WithLabelValues(string(c.Op), Collection(c.Target())).Inc()
	return nil
}

func (p changeCounter) Close() error { return nil }

// Collection returns the top-level segment of path, or "_root".
func Collection(path string) string {
	if segs := tree.Segments(path); len(segs) > 0 {
		return segs[0]
	}
	return "_root"
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
