// Package metrics holds the Prometheus collectors for the voice pipeline and
// the handler that exposes them.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "oto"

var (
	// sessionsActive is a gauge of live conversation sessions.
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of live conversation sessions",
		},
	)

	// sessionsFinalizedTotal counts finished sessions by trigger and outcome.
	sessionsFinalizedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finalized_total",
			Help:      "Total number of finalized sessions",
		},
		[]string{"reason", "outcome"}, // outcome: closed, error
	)

	// sessionDuration is a histogram of session lifetimes in seconds.
	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Histogram of conversation session duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"outcome"},
	)

	// sttConnectsTotal counts provider connection attempts.
	sttConnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_connects_total",
			Help:      "Total number of STT provider connection attempts",
		},
		[]string{"provider", "status"}, // status: success, error
	)

	// sttSwitchesTotal counts runtime provider switches.
	sttSwitchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_switches_total",
			Help:      "Total number of STT provider switches",
		},
		[]string{"from", "to"},
	)

	// sttSegmentsTotal counts transcript segments by kind.
	sttSegmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stt_segments_total",
			Help:      "Total number of transcript segments received",
		},
		[]string{"provider", "kind"}, // kind: partial, final
	)

	// droppedTotal counts discarded items by kind.
	droppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_total",
			Help:      "Total number of superseded partials dropped or overflowed queue items rejected",
		},
		[]string{"kind"}, // kind: partial, audio_overflow, event_overflow, pcm_overflow, wav_mirror
	)

	// decodeErrorsTotal counts fatal decoder errors.
	decodeErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total number of audio decode failures",
		},
	)

	// collaboratorDuration is a histogram of reasoning and persistence call durations.
	collaboratorDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "collaborator_duration_seconds",
			Help:      "Duration of collaborator calls in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"op", "status"}, // status: success, error
	)

	// actionsDetectedTotal counts emitted detected actions by type.
	actionsDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_detected_total",
			Help:      "Total number of detected actions emitted to clients",
		},
		[]string{"type"},
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		sessionsActive,
		sessionsFinalizedTotal,
		sessionDuration,
		sttConnectsTotal,
		sttSwitchesTotal,
		sttSegmentsTotal,
		droppedTotal,
		decodeErrorsTotal,
		collaboratorDuration,
		actionsDetectedTotal,
	}

	registryOnce sync.Once
	registry     *prometheus.Registry
)

// Registry returns the process registry holding every collector plus the Go
// runtime and process collectors.
func Registry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		for _, c := range allMetrics {
			registry.MustRegister(c)
		}
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordSessionStart records a newly active session.
func RecordSessionStart() {
	sessionsActive.Inc()
}

// RecordSessionEnd records a finished session.
func RecordSessionEnd(reason, outcome string, durationSeconds float64) {
	sessionsActive.Dec()
	sessionsFinalizedTotal.WithLabelValues(reason, outcome).Inc()
	sessionDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordSTTConnect records one provider connection attempt.
func RecordSTTConnect(provider, status string) {
	sttConnectsTotal.WithLabelValues(provider, status).Inc()
}

// RecordSTTSwitch records a provider switch.
func RecordSTTSwitch(from, to string) {
	sttSwitchesTotal.WithLabelValues(from, to).Inc()
}

// RecordSTTSegment records a received transcript segment.
func RecordSTTSegment(provider string, final bool) {
	kind := "partial"
	if final {
		kind = "final"
	}
	sttSegmentsTotal.WithLabelValues(provider, kind).Inc()
}

// RecordDropped records discarded or rejected items.
func RecordDropped(kind string, n int) {
	if n > 0 {
		droppedTotal.WithLabelValues(kind).Add(float64(n))
	}
}

// RecordDecodeError records a fatal decode failure.
func RecordDecodeError() {
	decodeErrorsTotal.Inc()
}

// RecordCollaboratorCall records a reasoning or persistence call.
func RecordCollaboratorCall(op, status string, durationSeconds float64) {
	collaboratorDuration.WithLabelValues(op, status).Observe(durationSeconds)
}

// RecordActionDetected records an action emitted to a client.
func RecordActionDetected(actionType string) {
	actionsDetectedTotal.WithLabelValues(actionType).Inc()
}

// Status maps an error to the status label used across collectors.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
