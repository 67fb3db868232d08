// Package metrics exposes session activity as Prometheus metrics on a private
// registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the tutor. It satisfies
// session.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	StateTransitions *prometheus.CounterVec
	ReconnectsTotal  *prometheus.CounterVec
	ReconnectDelay   prometheus.Histogram

	// Audio metrics
	FramesTotal          *prometheus.CounterVec
	DecodeErrorsTotal    prometheus.Counter
	PlaybackSecondsTotal prometheus.Counter

	// Tool and content metrics
	ToolCallsTotal      *prometheus.CounterVec
	TurnsTotal          *prometheus.CounterVec
	SnapshotsTotal      *prometheus.CounterVec
	SnapshotBytes       prometheus.Histogram
	ImageGenerations    *prometheus.CounterVec
	ImageGenerationTime prometheus.Histogram

	// Status API
	HTTPRequestsTotal *prometheus.CounterVec
}

// NewMetrics creates a Metrics instance with every collector registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voice2learn"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of running tutoring sessions",
	})
	sessionsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_total",
		Help:      "Total tutoring sessions by final state",
	}, []string{"final_state"})
	sessionDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "session_duration_seconds",
		Help:      "Tutoring session duration in seconds",
		Buckets:   []float64{10, 30, 60, 300, 600, 1200, 1800, 3600},
	})
	stateTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "state_transitions_total",
		Help:      "Connection lifecycle transitions",
	}, []string{"from", "to"})
	reconnectsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconnects_scheduled_total",
		Help:      "Reconnect attempts scheduled, by attempt number",
	}, []string{"attempt"})
	reconnectDelay := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconnect_delay_seconds",
		Help:      "Backoff delay before each reconnect",
		Buckets:   []float64{1, 2, 4, 8, 16, 32},
	})
	framesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_frames_total",
		Help:      "Captured microphone frames by outcome",
	}, []string{"outcome"})
	decodeErrors := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decode_errors_total",
		Help:      "Inbound audio chunks dropped as malformed",
	})
	playbackSeconds := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "playback_seconds_total",
		Help:      "Seconds of tutor speech scheduled for playback",
	})
	toolCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool invocations by tool and outcome",
	}, []string{"tool", "outcome"})
	turns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Finalized transcript turns by speaker",
	}, []string{"speaker"})
	snapshots := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "whiteboard_snapshots_total",
		Help:      "Whiteboard snapshots sent to the tutor",
	}, []string{"status"})
	snapshotBytes := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "whiteboard_snapshot_bytes",
		Help:      "Encoded whiteboard snapshot size",
		Buckets:   prometheus.ExponentialBuckets(4096, 2, 8),
	})
	imageGenerations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "image_generations_total",
		Help:      "Learning material illustrations by status",
	}, []string{"status"})
	imageGenerationTime := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "image_generation_duration_seconds",
		Help:      "Illustration generation latency",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})
	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Status API requests",
	}, []string{"method", "route", "status"})

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		stateTransitions,
		reconnectsTotal,
		reconnectDelay,
		framesTotal,
		decodeErrors,
		playbackSeconds,
		toolCalls,
		turns,
		snapshots,
		snapshotBytes,
		imageGenerations,
		imageGenerationTime,
		httpRequests,
	)

	return &Metrics{
		registry:             registry,
		SessionsActive:       sessionsActive,
		SessionsTotal:        sessionsTotal,
		SessionDuration:      sessionDuration,
		StateTransitions:     stateTransitions,
		ReconnectsTotal:      reconnectsTotal,
		ReconnectDelay:       reconnectDelay,
		FramesTotal:          framesTotal,
		DecodeErrorsTotal:    decodeErrors,
		PlaybackSecondsTotal: playbackSeconds,
		ToolCallsTotal:       toolCalls,
		TurnsTotal:           turns,
		SnapshotsTotal:       snapshots,
		SnapshotBytes:        snapshotBytes,
		ImageGenerations:     imageGenerations,
		ImageGenerationTime:  imageGenerationTime,
		HTTPRequestsTotal:    httpRequests,
	}
}

// Registry is exposed for tests and for embedding extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordSessionStart() {
	m.SessionsActive.Inc()
}

func (m *Metrics) RecordSessionEnd(finalState string, d time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(finalState).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordStateTransition(from, to string) {
	m.StateTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordReconnect(attempt int, delay time.Duration) {
	m.ReconnectsTotal.WithLabelValues(strconv.Itoa(attempt)).Inc()
	m.ReconnectDelay.Observe(delay.Seconds())
}

// RecordFrame counts one capture frame; outcome is "sent" or a drop reason.
func (m *Metrics) RecordFrame(outcome string) {
	m.FramesTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordToolCall(tool, outcome string) {
	m.ToolCallsTotal.WithLabelValues(tool, outcome).Inc()
}

func (m *Metrics) RecordTurn(speaker string) {
	m.TurnsTotal.WithLabelValues(speaker).Inc()
}

func (m *Metrics) RecordSnapshot(bytes int, err error) {
	if err != nil {
		m.SnapshotsTotal.WithLabelValues("error").Inc()
		return
	}
	m.SnapshotsTotal.WithLabelValues("ok").Inc()
	m.SnapshotBytes.Observe(float64(bytes))
}

func (m *Metrics) RecordDecodeError() {
	m.DecodeErrorsTotal.Inc()
}

func (m *Metrics) RecordPlayback(d time.Duration) {
	m.PlaybackSecondsTotal.Add(d.Seconds())
}

// RecordImageGeneration matches material.Options.OnImage.
func (m *Metrics) RecordImageGeneration(d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ImageGenerations.WithLabelValues(status).Inc()
	m.ImageGenerationTime.Observe(d.Seconds())
}

func (m *Metrics) RecordHTTPRequest(method, route string, status int) {
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
