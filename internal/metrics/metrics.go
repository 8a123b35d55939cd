// Package metrics exposes the server's operational counters and gauges for
// Prometheus scraping, replacing the periodic stdout logging the teacher
// used for the same purpose.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric the server publishes. A nil *Registry is
// not valid; always build one with New.
type Registry struct {
	ActiveConnections prometheus.Gauge
	OnlineUsers       prometheus.Gauge

	MessagesRouted  *prometheus.CounterVec
	MessagesDropped prometheus.Counter
	OfflineQueued   prometheus.Counter

	FileBytesUploaded   prometheus.Counter
	FileBytesDownloaded prometheus.Counter
	FileTransfersActive prometheus.Gauge

	AICallLatency prometheus.Histogram
	AICallErrors  prometheus.Counter
}

// New registers every metric against reg and returns the bundle. Passing
// prometheus.NewRegistry() keeps the set isolated for tests; passing
// prometheus.DefaultRegisterer wires it into the global /metrics endpoint.
func New(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)

	return &Registry{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Name:      "active_connections",
			Help:      "Number of currently registered connections.",
		}),
		OnlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Name:      "online_users",
			Help:      "Number of distinct users with a bound connection.",
		}),
		MessagesRouted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "messages_routed_total",
			Help:      "Messages handed to the router, labeled by outcome.",
		}, []string{"outcome"}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "messages_dropped_total",
			Help:      "Messages that exhausted retries and the offline queue both.",
		}),
		OfflineQueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "offline_messages_queued_total",
			Help:      "Messages persisted to the offline queue for later delivery.",
		}),
		FileBytesUploaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "file_bytes_uploaded_total",
			Help:      "Bytes accepted by completed uploads.",
		}),
		FileBytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "file_bytes_downloaded_total",
			Help:      "Bytes served by download chunk reads.",
		}),
		FileTransfersActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Name:      "file_transfers_active",
			Help:      "Uploads plus downloads currently in flight.",
		}),
		AICallLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatcore",
			Name:      "ai_call_duration_seconds",
			Help:      "Latency of assistant relay completions.",
			Buckets:   prometheus.DefBuckets,
		}),
		AICallErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Name:      "ai_call_errors_total",
			Help:      "Assistant relay completions that returned an error.",
		}),
	}
}
