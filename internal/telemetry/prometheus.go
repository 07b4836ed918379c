package telemetry

import "github.com/prometheus/client_golang/prometheus"

const livemeetNamespace string = "livemeet"

var (
	promSessionTotal     prometheus.Gauge
	promPeerTotal        prometheus.Gauge
	promRecordingActive  prometheus.Gauge
	promUploadQueueDepth prometheus.Gauge

	ServiceOperationCounter *prometheus.CounterVec
)

func init() {
	promSessionTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livemeetNamespace,
		Subsystem: "session",
		Name:      "total",
	})

	promPeerTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livemeetNamespace,
		Subsystem: "peer",
		Name:      "total",
	})

	promRecordingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livemeetNamespace,
		Subsystem: "recording",
		Name:      "active",
	})

	promUploadQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: livemeetNamespace,
		Subsystem: "uploads",
		Name:      "queue_depth",
	})

	ServiceOperationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   livemeetNamespace,
			Subsystem:   "node",
			Name:        "service_operation",
			ConstLabels: prometheus.Labels{"node_id": "1"},
		},
		[]string{"type", "status", "error_type"},
	)

	prometheus.MustRegister(
		promSessionTotal,
		promPeerTotal,
		promRecordingActive,
		promUploadQueueDepth,
		ServiceOperationCounter,
	)
}

func SessionStarted() {
	promSessionTotal.Inc()
}

func SessionStopped() {
	promSessionTotal.Dec()
}

func PeerJoined() {
	promPeerTotal.Inc()
}

func PeerLeft() {
	promPeerTotal.Dec()
}

func RecordingStarted() {
	promRecordingActive.Inc()
}

func RecordingFinished() {
	promRecordingActive.Dec()
}

func SetUploadQueueDepth(depth int) {
	promUploadQueueDepth.Set(float64(depth))
}
