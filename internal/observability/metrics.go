package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	SideClient = "client"
	SideServer = "server"

	DirectionIn  = "in"
	DirectionOut = "out"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imlink",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "imlink",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imlink",
			Subsystem: "longlink",
			Name:      "frames_total",
			Help:      "Long-link frames by side and direction.",
		},
		[]string{"side", "direction"},
	)
	frameBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imlink",
			Subsystem: "longlink",
			Name:      "bytes_total",
			Help:      "Long-link wire bytes by side and direction.",
		},
		[]string{"side", "direction"},
	)
	decodeFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imlink",
			Subsystem: "longlink",
			Name:      "decode_failures_total",
			Help:      "Frames rejected by the codec.",
		},
		[]string{"side"},
	)
	lifecycle = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imlink",
			Subsystem: "longlink",
			Name:      "lifecycle_events_total",
			Help:      "Long-link lifecycle transitions reported by the engine.",
		},
		[]string{"state"},
	)
	identifyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "imlink",
			Subsystem: "identify",
			Name:      "duration_seconds",
			Help:      "Time from Checkidentify to the identify verdict.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"step"},
	)
	serverIdentify = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "imlink",
			Subsystem: "server",
			Name:      "identify_total",
			Help:      "Identify verdicts issued by the server.",
		},
		[]string{"status"},
	)
	serverRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "imlink",
			Subsystem: "server",
			Name:      "rate_limited_total",
			Help:      "Connections closed for exceeding the inbound frame rate.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			frames, frameBytes, decodeFailures, lifecycle,
			identifyDuration, serverIdentify, serverRateLimited,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(side, direction string, wireBytes int) {
	RegisterMetrics()
	frames.WithLabelValues(side, direction).Inc()
	frameBytes.WithLabelValues(side, direction).Add(float64(wireBytes))
}

func RecordDecodeFailure(side string) {
	RegisterMetrics()
	decodeFailures.WithLabelValues(side).Inc()
}

func RecordLifecycle(state string) {
	RegisterMetrics()
	lifecycle.WithLabelValues(state).Inc()
}

func RecordIdentify(step string, duration time.Duration) {
	RegisterMetrics()
	identifyDuration.WithLabelValues(step).Observe(duration.Seconds())
}

func RecordServerIdentify(status string) {
	RegisterMetrics()
	serverIdentify.WithLabelValues(status).Inc()
}

func RecordRateLimited() {
	RegisterMetrics()
	serverRateLimited.Inc()
}
