package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dropped-frame reasons.
const (
	DropMalformed = "malformed"
	DropUnmatched = "unmatched_reply"
	DropKeepalive = "keepalive_reply"
)

// Request outcomes.
const (
	OutcomeOK           = "ok"
	OutcomeRejected     = "rejected"
	OutcomeChannelError = "channel_error"
	OutcomeTimeout      = "timeout"
	OutcomeDisconnected = "disconnected"
)

var (
	registerOnce sync.Once

	framesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chanctl",
			Subsystem: "channel",
			Name:      "frames_received_total",
			Help:      "Inbound frames accepted by dispatch, by kind.",
		},
		[]string{"kind"},
	)
	framesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chanctl",
			Subsystem: "channel",
			Name:      "frames_sent_total",
			Help:      "Outbound frames written to the transport.",
		},
		[]string{"event_kind"},
	)
	framesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chanctl",
			Subsystem: "channel",
			Name:      "frames_dropped_total",
			Help:      "Inbound frames discarded before waiter notification.",
		},
		[]string{"reason"},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chanctl",
			Subsystem: "channel",
			Name:      "requests_total",
			Help:      "Correlated requests by outcome.",
		},
		[]string{"outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chanctl",
			Subsystem: "channel",
			Name:      "request_duration_seconds",
			Help:      "Correlated request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
	scenarioRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chanctl",
			Subsystem: "scenario",
			Name:      "runs_total",
			Help:      "Scenario runs by result.",
		},
		[]string{"scenario", "passed"},
	)
	scenarioDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "chanctl",
			Subsystem: "scenario",
			Name:      "duration_seconds",
			Help:      "Scenario wall time in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"scenario"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			framesReceived,
			framesSent,
			framesDropped,
			requests,
			requestDuration,
			scenarioRuns,
			scenarioDuration,
		)
	})
}

// RecordFrameReceived counts a frame that passed parsing. kind is "reply", "error", "control" or "push".
func RecordFrameReceived(kind string) {
	RegisterMetrics()
	framesReceived.WithLabelValues(kind).Inc()
}

func RecordFrameSent(eventKind string) {
	RegisterMetrics()
	framesSent.WithLabelValues(eventKind).Inc()
}

func RecordFrameDropped(reason string) {
	RegisterMetrics()
	framesDropped.WithLabelValues(reason).Inc()
}

func RecordRequest(outcome string, duration time.Duration) {
	RegisterMetrics()
	requests.WithLabelValues(outcome).Inc()
	requestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordScenario(scenario string, passed bool, duration time.Duration) {
	RegisterMetrics()
	label := "false"
	if passed {
		label = "true"
	}
	scenarioRuns.WithLabelValues(scenario, label).Inc()
	scenarioDuration.WithLabelValues(scenario).Observe(duration.Seconds())
}

// WriteTextfile exports the default registry in the node-exporter textfile format.
func WriteTextfile(path string) error {
	RegisterMetrics()
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
