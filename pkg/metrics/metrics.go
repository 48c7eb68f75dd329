// Package metrics exposes Prometheus metrics for the duplex media session.
// All Record methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the session and its HTTP surface.
type Metrics struct {
	registry *prometheus.Registry

	// Outbound media
	FramesSentTotal    *prometheus.CounterVec
	FramesDroppedTotal *prometheus.CounterVec
	OutboundBytesTotal *prometheus.CounterVec

	// Inbound playback
	ChunksScheduledTotal prometheus.Counter
	ChunksMalformedTotal prometheus.Counter
	PlaybackAheadSeconds prometheus.Gauge
	InterruptsTotal      prometheus.Counter

	// Session lifecycle
	SessionInitsTotal      *prometheus.CounterVec
	StateTransitionsTotal  *prometheus.CounterVec
	SessionsActive         prometheus.Gauge
	SessionConnectDuration prometheus.Histogram

	// Presentation feed
	FeedClientsActive prometheus.Gauge
	HTTPRequestsTotal *prometheus.CounterVec
}

// New creates a Metrics instance with all metrics registered on a private
// registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "vai_duplex"
	}

	registry := prometheus.NewRegistry()

	framesSentTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Total media frames sent to the remote session",
		},
		[]string{"kind"},
	)

	framesDroppedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total outbound media frames dropped",
		},
		[]string{"kind", "reason"},
	)

	outboundBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_bytes_total",
			Help:      "Total outbound media payload bytes",
		},
		[]string{"kind"},
	)

	chunksScheduledTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_chunks_scheduled_total",
			Help:      "Total inbound audio chunks scheduled for playback",
		},
	)

	chunksMalformedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "playback_chunks_malformed_total",
			Help:      "Total inbound audio chunks dropped as malformed",
		},
	)

	playbackAheadSeconds := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playback_scheduled_ahead_seconds",
			Help:      "Seconds of audio scheduled ahead of the output clock",
		},
	)

	interruptsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Total remote interruption events",
		},
	)

	sessionInitsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_inits_total",
			Help:      "Total session initialization attempts",
		},
		[]string{"result"},
	)

	stateTransitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_state_transitions_total",
			Help:      "Total session state transitions",
		},
		[]string{"from", "to"},
	)

	sessionsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open remote sessions",
		},
	)

	sessionConnectDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_connect_duration_seconds",
			Help:      "Time from connect to the remote session opening",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)

	feedClientsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "feed_clients_active",
			Help:      "Number of connected presentation feed clients",
		},
	)

	httpRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		},
		[]string{"path", "status"},
	)

	registry.MustRegister(
		framesSentTotal,
		framesDroppedTotal,
		outboundBytesTotal,
		chunksScheduledTotal,
		chunksMalformedTotal,
		playbackAheadSeconds,
		interruptsTotal,
		sessionInitsTotal,
		stateTransitionsTotal,
		sessionsActive,
		sessionConnectDuration,
		feedClientsActive,
		httpRequestsTotal,
	)

	return &Metrics{
		registry:               registry,
		FramesSentTotal:        framesSentTotal,
		FramesDroppedTotal:     framesDroppedTotal,
		OutboundBytesTotal:     outboundBytesTotal,
		ChunksScheduledTotal:   chunksScheduledTotal,
		ChunksMalformedTotal:   chunksMalformedTotal,
		PlaybackAheadSeconds:   playbackAheadSeconds,
		InterruptsTotal:        interruptsTotal,
		SessionInitsTotal:      sessionInitsTotal,
		StateTransitionsTotal:  stateTransitionsTotal,
		SessionsActive:         sessionsActive,
		SessionConnectDuration: sessionConnectDuration,
		FeedClientsActive:      feedClientsActive,
		HTTPRequestsTotal:      httpRequestsTotal,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordFrameSent records one outbound frame of kind ("audio" or "video").
func (m *Metrics) RecordFrameSent(kind string, bytes int) {
	if m == nil {
		return
	}
	m.FramesSentTotal.WithLabelValues(kind).Inc()
	m.OutboundBytesTotal.WithLabelValues(kind).Add(float64(bytes))
}

// RecordFrameDropped records an outbound frame that never reached the
// remote session.
func (m *Metrics) RecordFrameDropped(kind, reason string) {
	if m == nil {
		return
	}
	m.FramesDroppedTotal.WithLabelValues(kind, reason).Inc()
}

// RecordChunkScheduled records an inbound chunk handed to the output device.
func (m *Metrics) RecordChunkScheduled(aheadSeconds float64) {
	if m == nil {
		return
	}
	m.ChunksScheduledTotal.Inc()
	m.PlaybackAheadSeconds.Set(aheadSeconds)
}

// RecordMalformedChunk records a dropped inbound chunk.
func (m *Metrics) RecordMalformedChunk() {
	if m == nil {
		return
	}
	m.ChunksMalformedTotal.Inc()
}

// RecordInterrupt records a remote interruption.
func (m *Metrics) RecordInterrupt() {
	if m == nil {
		return
	}
	m.InterruptsTotal.Inc()
	m.PlaybackAheadSeconds.Set(0)
}

// RecordSessionInit records an initialization attempt with result "ok" or
// the failing error type.
func (m *Metrics) RecordSessionInit(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionInitsTotal.WithLabelValues(result).Inc()
	if result == "ok" {
		m.SessionConnectDuration.Observe(duration.Seconds())
		m.SessionsActive.Inc()
	}
}

// RecordSessionEnd records a remote session being torn down.
func (m *Metrics) RecordSessionEnd() {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
}

// RecordStateTransition records a session state change.
func (m *Metrics) RecordStateTransition(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordFeedClient adjusts the connected feed client count by delta.
func (m *Metrics) RecordFeedClient(delta int) {
	if m == nil {
		return
	}
	m.FeedClientsActive.Add(float64(delta))
}

// RecordHTTPRequest records a completed HTTP request.
func (m *Metrics) RecordHTTPRequest(path string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(path, strconv.Itoa(status)).Inc()
}
