package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency, shared across all routes.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "rondevu",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// RPCRequestsTotal counts individual RPC method invocations by outcome.
var RPCRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "rondevu",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "Total number of RPC requests processed, by method and error code (empty on success).",
	},
	[]string{"method", "error_code"},
)

// RPCBatchSize observes the number of requests carried by each /rpc batch.
var RPCBatchSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "rondevu",
		Subsystem: "rpc",
		Name:      "batch_size",
		Help:      "Number of requests in an /rpc batch.",
		Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
	},
)

// OffersOpenGauge is the gauge for unanswered, unexpired offers. It is
// registered by All, but no code path sets it, so it always reports 0.
var OffersOpenGauge = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "rondevu",
		Subsystem: "offers",
		Name:      "open",
		Help:      "Current number of published offers awaiting an answer.",
	},
)

// All returns the broker-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		RPCRequestsTotal,
		RPCBatchSize,
		OffersOpenGauge,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
