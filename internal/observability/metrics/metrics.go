package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the collectors exported by the API. Each instance has its own
// registry so handlers built in tests never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec
	LoginsTotal                *prometheus.CounterVec
	RelayRequestsTotal         *prometheus.CounterVec
	RelayCacheHitsTotal        prometheus.Counter
}

// New builds and registers the collectors, curried with the service label.
func New(serviceName string) *Metrics {
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"service", "method", "path", "status"},
		).MustCurryWith(labels),
		HTTPRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "method", "path"},
		).MustCurryWith(labels).(*prometheus.HistogramVec),
		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "auth_logins_total",
				Help: "Total number of login attempts by login type and result.",
			},
			[]string{"service", "login_type", "result"},
		).MustCurryWith(labels),
		RelayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_requests_total",
				Help: "Total number of relayed requests by route and result.",
			},
			[]string{"service", "route", "result"},
		).MustCurryWith(labels),
		RelayCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "relay_cache_hits_total",
				Help:        "Total number of relay responses served from the response cache.",
				ConstLabels: labels,
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.HTTPRequestsTotal,
		m.HTTPRequestDurationSeconds,
		m.LoginsTotal,
		m.RelayRequestsTotal,
		m.RelayCacheHitsTotal,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
