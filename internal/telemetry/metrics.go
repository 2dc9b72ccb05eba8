package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Round loop metrics
	ThoughtsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ciris_thoughts_processed_total",
			Help: "Total number of thoughts dispatched by the round loop",
		},
	)

	DMALatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ciris_dma_latency_seconds",
			Help:    "Reasoning pipeline latency per thought in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Bus metrics
	BusCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciris_bus_calls_total",
			Help: "Total number of bus calls by service type and outcome",
		},
		[]string{"service_type", "status"},
	)

	// Registry metrics
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ciris_breaker_state",
			Help: "Circuit breaker state per provider (0 = closed, 1 = half-open, 2 = open)",
		},
		[]string{"service_type", "provider"},
	)
)

func init() {
	prometheus.MustRegister(ThoughtsProcessed)
	prometheus.MustRegister(DMALatency)
	prometheus.MustRegister(BusCalls)
	prometheus.MustRegister(BreakerState)
}

// Handler returns the Prometheus scrape handler. Mounting it on a listener
// is the embedder's choice.
func Handler() http.Handler {
	return promhttp.Handler()
}
