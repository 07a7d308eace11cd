// Package telemetry owns the Prometheus registry and the OpenTelemetry
// tracer provider.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "repo_guardian"

// Metrics implements the scan and HTTP metric sinks on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ScansTotal          *prometheus.CounterVec
	ScansInFlight       prometheus.Gauge
	ToolRunsTotal       *prometheus.CounterVec
	ToolRunDuration     *prometheus.HistogramVec
	EnrichmentFallbacks *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		ScansTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Scans that reached a terminal status",
		}, []string{"status"}),
		ScansInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scans_in_flight",
			Help:      "Scan orchestrations currently running",
		}),
		ToolRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_runs_total",
			Help:      "Tool runs by tool and terminal status",
		}, []string{"tool", "status"}),
		ToolRunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_run_duration_seconds",
			Help:      "Wall time of a tool run from open to terminal write",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"tool"}),
		EnrichmentFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enrichment_fallbacks_total",
			Help:      "Tool runs recorded with the fallback analysis",
		}, []string{"tool"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code",
		}, []string{"method", "route", "code"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.ScansTotal,
		m.ScansInFlight,
		m.ToolRunsTotal,
		m.ToolRunDuration,
		m.EnrichmentFallbacks,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

func (m *Metrics) ScanStarted() { m.ScansInFlight.Inc() }

func (m *Metrics) ScanFinished(status string) {
	m.ScansInFlight.Dec()
	m.ScansTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) ToolRunFinished(tool, status string, d time.Duration) {
	m.ToolRunsTotal.WithLabelValues(tool, status).Inc()
	m.ToolRunDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Metrics) EnrichmentFallback(tool string) {
	m.EnrichmentFallbacks.WithLabelValues(tool).Inc()
}

func (m *Metrics) ObserveRequest(method, route string, code int, d time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
