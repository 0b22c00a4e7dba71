package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics (HTTP-polled bridge endpoints)
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aria_bridge_http_requests_total",
			Help: "Total number of HTTP bridge-session requests",
		},
		[]string{"endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aria_bridge_http_request_duration_seconds",
			Help:    "HTTP bridge-session request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// Routing metrics
	eventsRoutedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aria_bridge_events_routed_total",
			Help: "Total number of events delivered to a consumer",
		},
		[]string{"event_type", "level"},
	)

	eventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aria_bridge_events_dropped_total",
			Help: "Total number of events suppressed by a filter gate",
		},
		[]string{"reason"},
	)

	controlRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aria_bridge_control_requests_total",
			Help: "Total number of control_request messages forwarded",
		},
		[]string{"origin", "ok"},
	)

	// Session gauges
	connectedBridges = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aria_bridge_connected_bridges",
			Help: "Number of currently authenticated bridge sessions",
		},
	)

	connectedConsumers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aria_bridge_connected_consumers",
			Help: "Number of currently authenticated consumer sessions",
		},
	)

	pendingControlRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aria_bridge_pending_control_requests",
			Help: "Number of in-flight control requests awaiting a result",
		},
	)

	overloadWindowActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aria_bridge_overload_window_active",
			Help: "1 while the rolling overload window is saturated, 0 otherwise",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the broker's Prometheus metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpRequestsTotal,
			httpRequestDuration,
			eventsRoutedTotal,
			eventsDroppedTotal,
			controlRequestsTotal,
			connectedBridges,
			connectedConsumers,
			pendingControlRequests,
			overloadWindowActive,
		)
	})
}

// MetricsHandler returns an HTTP handler exposing metrics in the Prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records a completed HTTP bridge-session request.
func RecordHTTPRequest(endpoint, status string, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(endpoint, status).Inc()
	httpRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordEventRouted records a single consumer delivery of a bridge event.
func RecordEventRouted(eventType, level string) {
	eventsRoutedTotal.WithLabelValues(eventType, level).Inc()
}

// RecordEventDropped records a gate suppressing an event (rate limit, capability, overload, ...).
func RecordEventDropped(reason string) {
	eventsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordControlRequest records a control_request forwarded by the correlator.
func RecordControlRequest(origin string, ok bool) {
	controlRequestsTotal.WithLabelValues(origin, boolLabel(ok)).Inc()
}

// SetConnectedBridges sets the connected-bridges gauge.
func SetConnectedBridges(count int) {
	connectedBridges.Set(float64(count))
}

// SetConnectedConsumers sets the connected-consumers gauge.
func SetConnectedConsumers(count int) {
	connectedConsumers.Set(float64(count))
}

// SetPendingControlRequests sets the pending-control-requests gauge.
func SetPendingControlRequests(count int) {
	pendingControlRequests.Set(float64(count))
}

// SetOverloadWindowActive reflects whether the overload guard is currently engaged.
func SetOverloadWindowActive(active bool) {
	if active {
		overloadWindowActive.Set(1)
		return
	}
	overloadWindowActive.Set(0)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
