package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	transactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spilink",
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Total engine operations by command and result.",
		},
		[]string{"command", "result"},
	)
	operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "spilink",
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Engine operation duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command", "result"},
	)
	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spilink",
			Subsystem: "bus",
			Name:      "frames_total",
			Help:      "Bus frames by direction and classification.",
		},
		[]string{"direction", "class"},
	)
	payloadBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "spilink",
			Subsystem: "bus",
			Name:      "payload_bytes_total",
			Help:      "Payload bytes moved by direction.",
		},
		[]string{"direction"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(transactions, operationDuration, frames, payloadBytes)
	})
}

func RecordOperation(command, result string, duration time.Duration) {
	RegisterMetrics()
	transactions.WithLabelValues(command, result).Inc()
	operationDuration.WithLabelValues(command, result).Observe(duration.Seconds())
}

func RecordFrame(direction, class string) {
	RegisterMetrics()
	frames.WithLabelValues(direction, class).Inc()
}

func RecordPayloadBytes(direction string, n int) {
	if n <= 0 {
		return
	}
	RegisterMetrics()
	payloadBytes.WithLabelValues(direction).Add(float64(n))
}
