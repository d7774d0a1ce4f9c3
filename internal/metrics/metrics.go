// Package metrics holds the process-wide prometheus registry. The Registry
// is constructed once at startup and handed to every component; nothing in
// the gateway registers metrics globally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// LatencyBuckets cover end-to-end request latency, which for long generations
// runs into minutes.
var LatencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40, 80, 160}

// FirstTokenBuckets cover time-to-first-chunk, which should stay in seconds.
var FirstTokenBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// Registry bundles every gateway metric together with the prometheus
// registry they are registered in.
type Registry struct {
	registry *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	ActiveRequests prometheus.Gauge
	QueueDepth     prometheus.Gauge
	RequestLatency *prometheus.HistogramVec
	FirstToken     prometheus.Histogram
	StreamTokens   prometheus.Counter
}

// NewRegistry creates a Registry with all gateway metrics registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		registry: reg,
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gpugate_requests_total",
			Help: "Total requests by endpoint and terminal outcome.",
		}, []string{"endpoint", "outcome"}),
		ActiveRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gpugate_active_requests",
			Help: "Number of requests currently holding a GPU slot.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gpugate_queue_depth",
			Help: "Number of requests waiting for a GPU slot.",
		}),
		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gpugate_request_latency_seconds",
			Help:    "End-to-end request latency in seconds.",
			Buckets: LatencyBuckets,
		}, []string{"endpoint"}),
		FirstToken: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gpugate_first_token_seconds",
			Help:    "Time from stream start to first upstream chunk.",
			Buckets: FirstTokenBuckets,
		}),
		StreamTokens: factory.NewCounter(prometheus.CounterOpts{
			Name: "gpugate_stream_tokens_total",
			Help: "Approximate tokens relayed, derived from stream chunk counts.",
		}),
	}

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return r
}

// Handler returns the scrape handler for the registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.registry
}
