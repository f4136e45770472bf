package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	chunksParsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xirs",
			Subsystem: "chunk",
			Name:      "parsed_total",
			Help:      "Scanned chunks by parse result.",
		},
		[]string{"result"},
	)
	packetsValidated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xirs",
			Subsystem: "packet",
			Name:      "validated_total",
			Help:      "Assembled packets by type and validation result.",
		},
		[]string{"packet_type", "result"},
	)
	replayOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xirs",
			Subsystem: "replay",
			Name:      "checks_total",
			Help:      "Replay ledger checks by outcome.",
		},
		[]string{"outcome"},
	)
	queueTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xirs",
			Subsystem: "dispense",
			Name:      "transitions_total",
			Help:      "Dispense queue state transitions.",
		},
		[]string{"to"},
	)
	carrierPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "xirs",
			Subsystem: "carrier",
			Name:      "pending_packets",
			Help:      "Packets held by the carrier awaiting delivery.",
		},
		[]string{"priority"},
	)
	pairingAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xirs",
			Subsystem: "pairing",
			Name:      "attempts_total",
			Help:      "Pairing attempts by method and result.",
		},
		[]string{"method", "result"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xirs",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total Hub HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xirs",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Hub HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(chunksParsed, packetsValidated, replayOutcomes, queueTransitions,
			carrierPending, pairingAttempts, httpRequests, httpDuration)
	})
}

// RecordChunk counts one scanned chunk. result is "ok" or an error code.
func RecordChunk(result string) {
	RegisterMetrics()
	chunksParsed.WithLabelValues(result).Inc()
}

// RecordPacket counts one validated packet. result is "valid" or an error code.
func RecordPacket(packetType, result string) {
	RegisterMetrics()
	packetsValidated.WithLabelValues(packetType, result).Inc()
}

func RecordReplay(outcome string) {
	RegisterMetrics()
	replayOutcomes.WithLabelValues(outcome).Inc()
}

func RecordQueueTransition(to string) {
	RegisterMetrics()
	queueTransitions.WithLabelValues(to).Inc()
}

// SetCarrierPending sets the pending gauge for one priority.
func SetCarrierPending(priority string, n int) {
	RegisterMetrics()
	carrierPending.WithLabelValues(priority).Set(float64(n))
}

func RecordPairing(method string, success bool) {
	RegisterMetrics()
	pairingAttempts.WithLabelValues(method, strconv.FormatBool(success)).Inc()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
