package api

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the server's own instrumentation, kept in a private registry
type metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	areas    *prometheus.CounterVec
	samples  prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aucd",
			Name:      "http_requests_total",
			Help:      "HTTP requests by handler, status code and method.",
		}, []string{"handler", "code", "method"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aucd",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by handler and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler", "method"}),
		areas: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aucd",
			Name:      "area_estimates_total",
			Help:      "Area estimates computed by integration rule.",
		}, []string{"rule"}),
		samples: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "aucd",
			Name:      "samples_written_total",
			Help:      "Samples accepted by the write endpoint.",
		}),
	}
}

// instrument wraps h with request counting and latency tracking
func (m *metrics) instrument(name string, h http.HandlerFunc) http.Handler {
	labels := prometheus.Labels{"handler": name}
	return promhttp.InstrumentHandlerDuration(m.duration.MustCurryWith(labels),
		promhttp.InstrumentHandlerCounter(m.requests.MustCurryWith(labels), h))
}

// handler serves the registry in the Prometheus exposition format
func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
