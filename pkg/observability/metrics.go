// Package observability exposes the pooler's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for pg_doorman.
type Metrics struct {
	// Counters
	ClientConnectionsTotal prometheus.Counter
	QueriesTotal           prometheus.Counter
	PrepareCacheHit        prometheus.Counter
	PrepareCacheMiss       prometheus.Counter
	ErrorsTotal            *prometheus.CounterVec

	// Gauges
	ClientConnectionsActive prometheus.Gauge
	MemoryUsedBytes         prometheus.Gauge

	// Histograms
	BackendAcquireDuration prometheus.Histogram
}

// NewMetrics registers every metric on reg. Pass prometheus.DefaultRegisterer
// in production; tests use their own registry so repeated construction does
// not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ClientConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pgdoorman_client_connections_total",
			Help: "Total number of client connections accepted",
		}),
		QueriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "pgdoorman_queries_total",
			Help: "Total number of queries relayed",
		}),
		PrepareCacheHit: factory.NewCounter(prometheus.CounterOpts{
			Name: "pgdoorman_prepare_cache_hit_total",
			Help: "Prepared statement Parse messages satisfied from a backend's cache",
		}),
		PrepareCacheMiss: factory.NewCounter(prometheus.CounterOpts{
			Name: "pgdoorman_prepare_cache_miss_total",
			Help: "Prepared statement Parse messages that required a server Parse",
		}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pgdoorman_errors_total",
			Help: "Total number of errors by type",
		}, []string{"type"}),

		ClientConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pgdoorman_client_connections_active",
			Help: "Number of live client sessions",
		}),
		MemoryUsedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pgdoorman_message_memory_used_bytes",
			Help: "Bytes of message buffer memory currently in use",
		}),

		BackendAcquireDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pgdoorman_backend_acquire_seconds",
			Help:    "Time spent waiting for a pooled backend",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
	}
}
