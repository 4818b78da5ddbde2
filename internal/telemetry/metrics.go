// Package telemetry provides Prometheus collectors and OpenTelemetry tracing for swcache.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the agent and its HTTP surface.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveRequests  prometheus.Gauge
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	NetworkErrors   prometheus.Counter
	CacheWrites     *prometheus.CounterVec
	BucketsDeleted  prometheus.Counter
	Lifecycle       *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "requests_total",
			Help:      "Total number of proxied requests.",
		}, []string{"method", "source", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "swcache",
			Name:                            "request_duration_seconds",
			Help:                            "Proxied request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "source"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "swcache",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "cache_hits_total",
			Help:      "Fetch events answered from cache storage.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "cache_misses_total",
			Help:      "Fetch events that fell back to the network.",
		}),

		NetworkErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "network_errors_total",
			Help:      "Network fallbacks that produced no response.",
		}),

		CacheWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "cache_writes_total",
			Help:      "Background cache writes by result.",
		}, []string{"result"}),

		BucketsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "buckets_deleted_total",
			Help:      "Stale cache buckets removed during activation.",
		}),

		Lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "swcache",
			Name:      "lifecycle_events_total",
			Help:      "Install and activate phases by result.",
		}, []string{"phase", "result"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.CacheHits,
		m.CacheMisses,
		m.NetworkErrors,
		m.CacheWrites,
		m.BucketsDeleted,
		m.Lifecycle,
	)

	return m
}
