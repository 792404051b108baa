package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "obdgate"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	tcpConnections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "connections_total",
			Help:      "Device connections accepted.",
		},
	)
	tcpActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "active_connections",
			Help:      "Device connections currently open.",
		},
	)
	tcpClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tcp",
			Name:      "closed_total",
			Help:      "Device connections closed, by reason.",
		},
		[]string{"reason"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "frames_total",
			Help:      "Frames decoded, by command and checksum validity.",
		},
		[]string{"command", "checksum_valid"},
	)
	frameErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "frame_errors_total",
			Help:      "Frames dropped or left undecoded, by reason.",
		},
		[]string{"reason"},
	)
	bufferResets = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "buffer_resets_total",
			Help:      "Reassembly buffers discarded after exceeding the cap.",
		},
	)
	acks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "protocol",
			Name:      "acks_total",
			Help:      "Static acknowledgments written to devices.",
		},
	)
	alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alerts",
			Name:      "raised_total",
			Help:      "Threshold alerts raised, by type.",
		},
		[]string{"type"},
	)
	collaboratorErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collaborator",
			Name:      "errors_total",
			Help:      "Storage and broadcast failures.",
		},
		[]string{"collaborator", "op"},
	)
	broadcastMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "messages_total",
			Help:      "Broadcast deliveries to subscribers, by result.",
		},
		[]string{"result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			tcpConnections, tcpActive, tcpClosed,
			frames, frameErrors, bufferResets, acks,
			alerts, collaboratorErrors, broadcastMessages,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordConnectionOpened() {
	RegisterMetrics()
	tcpConnections.Inc()
	tcpActive.Inc()
}

func RecordConnectionClosed(reason string) {
	RegisterMetrics()
	tcpActive.Dec()
	tcpClosed.WithLabelValues(reason).Inc()
}

func RecordFrame(command string, checksumValid bool) {
	RegisterMetrics()
	frames.WithLabelValues(command, strconv.FormatBool(checksumValid)).Inc()
}

func RecordFrameError(reason string) {
	RegisterMetrics()
	frameErrors.WithLabelValues(reason).Inc()
}

func RecordBufferReset() {
	RegisterMetrics()
	bufferResets.Inc()
}

func RecordAck() {
	RegisterMetrics()
	acks.Inc()
}

func RecordAlert(alertType string) {
	RegisterMetrics()
	alerts.WithLabelValues(alertType).Inc()
}

func RecordCollaboratorError(collaborator, op string) {
	RegisterMetrics()
	collaboratorErrors.WithLabelValues(collaborator, op).Inc()
}

func RecordBroadcast(delivered, dropped int) {
	RegisterMetrics()
	if delivered > 0 {
		broadcastMessages.WithLabelValues("delivered").Add(float64(delivered))
	}
	if dropped > 0 {
		broadcastMessages.WithLabelValues("dropped").Add(float64(dropped))
	}
}
