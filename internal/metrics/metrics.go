package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the cache and its servers
type Metrics struct {
	// Subscription metrics
	ActiveStreams      prometheus.Gauge
	SnapshotsDelivered prometheus.Counter
	StoreErrorsTotal   *prometheus.CounterVec

	// Registry metrics
	RegistryEntries  prometheus.Gauge
	RegistryAcquires *prometheus.CounterVec

	// View metrics
	ActiveViews    prometheus.Gauge
	ViewRecomputes prometheus.Counter

	// Transaction metrics
	CASAttemptsTotal *prometheus.CounterVec
	CASDuration      prometheus.Histogram

	// Server metrics
	WebSocketConnections prometheus.Gauge
	WebSocketMessages    *prometheus.CounterVec
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	RateLimitExceeded    *prometheus.CounterVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Initialize creates and registers all Prometheus metrics
func Initialize() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "livecache_streams_active",
				Help: "Number of open path subscription streams",
			}),
			SnapshotsDelivered: promauto.NewCounter(prometheus.CounterOpts{
				Name: "livecache_snapshots_delivered_total",
				Help: "Total number of snapshots delivered to streams",
			}),
			StoreErrorsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "livecache_store_errors_total",
					Help: "Total number of terminal store errors observed by streams",
				},
				[]string{"code"},
			),

			RegistryEntries: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "livecache_registry_entries",
				Help: "Number of (path, scope) entries held by the subscription registry",
			}),
			RegistryAcquires: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "livecache_registry_acquires_total",
					Help: "Registry acquires by result (hit, open, reopen)",
				},
				[]string{"result"},
			),

			ActiveViews: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "livecache_views_active",
				Help: "Number of open derived views",
			}),
			ViewRecomputes: promauto.NewCounter(prometheus.CounterOpts{
				Name: "livecache_view_recomputes_total",
				Help: "Total number of derived view recomputations",
			}),

			CASAttemptsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "livecache_cas_attempts_total",
					Help: "Compare-and-swap attempts by outcome (applied, conflict, error)",
				},
				[]string{"outcome"},
			),
			CASDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "livecache_cas_duration_seconds",
				Help:    "Time from first read to applied compare-and-swap",
				Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			}),

			WebSocketConnections: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "livecache_websocket_connections",
				Help: "Number of connected websocket clients",
			}),
			WebSocketMessages: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "livecache_websocket_messages_total",
					Help: "Websocket messages by direction (in, out, dropped)",
				},
				[]string{"direction"},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "http_request_duration_seconds",
					Help:    "HTTP request latency in seconds",
					Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
				},
				[]string{"method", "path", "status"},
			),
			RateLimitExceeded: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "http_rate_limit_exceeded_total",
					Help: "Requests rejected by the rate limiter, by backend (redis, memory)",
				},
				[]string{"backend"},
			),
		}
	})
	return instance
}

// Get returns the metrics instance, creating it on first use
func Get() *Metrics {
	return Initialize()
}
