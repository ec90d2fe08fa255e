package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	trackerConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "warelink",
			Subsystem: "tracker",
			Name:      "connections",
			Help:      "Live protocol connections.",
		},
	)
	trackerFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warelink",
			Subsystem: "tracker",
			Name:      "frames_total",
			Help:      "Protocol frames by type and direction.",
		},
		[]string{"type", "direction"},
	)
	trackerDecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warelink",
			Subsystem: "tracker",
			Name:      "decode_errors_total",
			Help:      "Frames rejected by the wire decoder.",
		},
	)
	trackerBroadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warelink",
			Subsystem: "tracker",
			Name:      "broadcasts_total",
			Help:      "Lifecycle and heartbeat broadcasts by frame type.",
		},
		[]string{"type"},
	)
	bridgePending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "warelink",
			Subsystem: "bridge",
			Name:      "pending_requests",
			Help:      "Correlator requests awaiting a response.",
		},
	)
	bridgeRequests = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "warelink",
			Subsystem: "bridge",
			Name:      "request_duration_seconds",
			Help:      "Correlator request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type", "outcome"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warelink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"app", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "warelink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"app", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			trackerConnections,
			trackerFrames,
			trackerDecodeErrors,
			trackerBroadcasts,
			bridgePending,
			bridgeRequests,
			httpRequests,
			httpDuration,
		)
	})
}

func SetConnections(n int) {
	trackerConnections.Set(float64(n))
}

func RecordFrame(frameType, direction string) {
	trackerFrames.WithLabelValues(frameType, direction).Inc()
}

func RecordDecodeError() {
	trackerDecodeErrors.Inc()
}

func RecordBroadcast(frameType string) {
	trackerBroadcasts.WithLabelValues(frameType).Inc()
}

func SetPendingRequests(n int) {
	bridgePending.Set(float64(n))
}

func RecordBridgeRequest(frameType, outcome string, duration time.Duration) {
	bridgeRequests.WithLabelValues(frameType, outcome).Observe(duration.Seconds())
}

func RecordHTTPRequest(app, method, path string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	httpRequests.WithLabelValues(app, method, path, code).Inc()
	httpDuration.WithLabelValues(app, method, path, code).Observe(duration.Seconds())
}
