package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Counter: requests answered, by strategy and source (network | cache).
	ResponsesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_gateway_responses_total",
			Help: "Responses returned by the strategy router by strategy and source.",
		},
		[]string{"strategy", "source"},
	)

	// Counter: network-first requests served from cache after a transport failure.
	FallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_gateway_network_fallbacks_total",
			Help: "Network-first requests answered from the store after a transport failure.",
		},
	)

	// Counter: requests that neither network nor store could satisfy.
	TransportFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_gateway_transport_failures_total",
			Help: "Requests that failed at the transport level with no cached fallback.",
		},
		[]string{"strategy"},
	)

	// Counter: store operations by op and result (hit | miss | ok | error).
	StoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_gateway_store_ops_total",
			Help: "Store operations by operation and result.",
		},
		[]string{"op", "result"},
	)

	// Histogram: store operation latency in seconds.
	StoreLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offline_gateway_store_latency_seconds",
			Help:    "Store operation latency in seconds.",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"op"},
	)

	// Counter: generations evicted during activation, by result.
	GenerationsEvictedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_gateway_generations_evicted_total",
			Help: "Cache generations deleted during activation.",
		},
		[]string{"result"},
	)

	// Gauge: lifecycle state of the current controller.
	LifecycleState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "offline_gateway_lifecycle_state",
			Help: "1 for the state the current controller is in, 0 otherwise.",
		},
		[]string{"version", "state"},
	)

	// Counter: sync task outcomes (registered | duplicate | success | retry | exhausted | dropped).
	SyncTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_gateway_sync_tasks_total",
			Help: "Deferred sync task events by outcome.",
		},
		[]string{"outcome"},
	)

	// Gauge: tasks currently queued.
	SyncPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "offline_gateway_sync_pending",
			Help: "Deferred sync tasks waiting for a trigger.",
		},
	)

	// Gauge: last probe result (1 online, 0 offline).
	OriginOnline = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "offline_gateway_origin_online",
			Help: "Whether the last connectivity probe reached the origin.",
		},
	)

	// Histogram: gateway HTTP latency in seconds.
	GatewayLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "offline_gateway_latency_seconds",
			Help:    "HTTP request latency for the gateway in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "status_code"},
	)
)

var registerOnce sync.Once

// Register registers all collectors with the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ResponsesTotal,
			FallbacksTotal,
			TransportFailuresTotal,
			StoreOpsTotal,
			StoreLatencySeconds,
			GenerationsEvictedTotal,
			LifecycleState,
			SyncTasksTotal,
			SyncPending,
			OriginOnline,
			GatewayLatencySeconds,
		)
	})
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures gateway latency for each HTTP request.
// Paths are not used as a label: proxied paths are unbounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		GatewayLatencySeconds.
			WithLabelValues(r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
