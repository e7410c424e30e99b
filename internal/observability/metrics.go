package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "collabctl"

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frames_total",
			Help:      "Transport frames by direction and fragment flag.",
		},
		[]string{"direction", "frag"},
	)
	frameBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "frame_bytes_total",
			Help:      "Transport bytes on the wire by direction.",
		},
		[]string{"direction"},
	)
	reassemblyFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "reassembly_failures_total",
			Help:      "Inbound messages dropped during reassembly.",
		},
		[]string{"reason"},
	)
	messagesDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "messages_delivered_total",
			Help:      "Reassembled messages handed to data listeners.",
		},
		[]string{"data_type"},
	)
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "commands_total",
			Help:      "Collaboration commands by direction and kind.",
		},
		[]string{"direction", "command"},
	)
	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "state_transitions_total",
			Help:      "State machine transitions.",
		},
		[]string{"from", "to"},
	)
	eventsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "events_rejected_total",
			Help:      "Events not accepted by the current state.",
		},
		[]string{"state", "event"},
	)
	activeCollabs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "active",
			Help:      "Live collaboration contexts by role.",
		},
		[]string{"role"},
	)
	collabResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "results_total",
			Help:      "Finished collaborations by role and result.",
		},
		[]string{"role", "result"},
	)
	collabDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collab",
			Name:      "duration_seconds",
			Help:      "Collaboration context lifetime in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"role"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			framesTotal,
			frameBytes,
			reassemblyFailures,
			messagesDelivered,
			commandsTotal,
			stateTransitions,
			eventsRejected,
			activeCollabs,
			collabResults,
			collabDuration,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordFrame counts one frame. direction is "tx" or "rx".
func RecordFrame(direction, frag string, bytes int) {
	RegisterMetrics()
	framesTotal.WithLabelValues(direction, frag).Inc()
	frameBytes.WithLabelValues(direction).Add(float64(bytes))
}

func RecordReassemblyFailure(reason string) {
	RegisterMetrics()
	reassemblyFailures.WithLabelValues(reason).Inc()
}

func RecordMessageDelivered(dataType uint32) {
	RegisterMetrics()
	messagesDelivered.WithLabelValues(strconv.FormatUint(uint64(dataType), 10)).Inc()
}

func RecordCommand(direction, command string) {
	RegisterMetrics()
	commandsTotal.WithLabelValues(direction, command).Inc()
}

func RecordStateTransition(from, to string) {
	RegisterMetrics()
	stateTransitions.WithLabelValues(from, to).Inc()
}

func RecordEventRejected(state, event string) {
	RegisterMetrics()
	eventsRejected.WithLabelValues(state, event).Inc()
}

// CollabStarted bumps the live gauge; pair every call with CollabFinished.
func CollabStarted(role string) {
	RegisterMetrics()
	activeCollabs.WithLabelValues(role).Inc()
}

func CollabFinished(role, result string, lifetime time.Duration) {
	RegisterMetrics()
	activeCollabs.WithLabelValues(role).Dec()
	collabResults.WithLabelValues(role, result).Inc()
	collabDuration.WithLabelValues(role).Observe(lifetime.Seconds())
}
