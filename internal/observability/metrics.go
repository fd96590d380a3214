package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	activeTurns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicepipe_active_turns",
		Help: "Number of call turns currently streaming",
	})

	totalTurns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicepipe_turns_total",
		Help: "Total number of call turns processed",
	})

	turnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicepipe_turn_duration_seconds",
		Help:    "End-to-end duration of a call turn in seconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	// Transcription metrics
	transcribeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepipe_transcribe_requests_total",
		Help: "Total number of transcription requests",
	}, []string{"status"})

	transcribeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicepipe_transcribe_latency_seconds",
		Help:    "Transcription latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Generation metrics
	generateRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepipe_generate_requests_total",
		Help: "Total number of text generation requests",
	}, []string{"status"})

	generateFirstDeltaLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicepipe_generate_first_delta_seconds",
		Help:    "Latency from generation start to first text delta",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Synthesis metrics
	synthRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepipe_synth_requests_total",
		Help: "Total number of synthesis stream sessions",
	}, []string{"status"})

	synthFirstAudioLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voicepipe_synth_first_audio_seconds",
		Help:    "Latency from first flush to first audio chunk",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// Pipeline metrics
	flushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepipe_flushes_total",
		Help: "Total number of chunk flushes to the synthesis stream",
	}, []string{"reason"}) // reason: "chars", "words", "debounce", "final"

	audioChunksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicepipe_audio_chunks_total",
		Help: "Total number of audio chunk events emitted on the wire",
	})

	wireEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepipe_wire_events_total",
		Help: "Total number of wire events emitted, by type",
	}, []string{"type"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepipe_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voicepipe_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicepipe_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// TurnMetrics tracks stage timings for a single call turn
type TurnMetrics struct {
	turnID             string
	startTime          time.Time
	transcribeStart    time.Time
	generateStart      time.Time
	firstFlushTime     time.Time
	sawFirstDelta      bool
	sawFirstAudio      bool
	mu                 sync.Mutex
}

// NewTurnMetrics creates a metrics tracker for one turn and records its start
func NewTurnMetrics(turnID string) *TurnMetrics {
	activeTurns.Inc()
	totalTurns.Inc()
	return &TurnMetrics{
		turnID:    turnID,
		startTime: time.Now(),
	}
}

// RecordTurnEnd records the end of a turn
func (m *TurnMetrics) RecordTurnEnd() {
	activeTurns.Dec()
	turnDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordTranscribeStart marks the start of transcription
func (m *TurnMetrics) RecordTranscribeStart() {
	m.mu.Lock()
	m.transcribeStart = time.Now()
	m.mu.Unlock()
}

// RecordTranscribeEnd records transcription latency and outcome
func (m *TurnMetrics) RecordTranscribeEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.transcribeStart.IsZero() {
		transcribeLatency.Observe(time.Since(m.transcribeStart).Seconds())
	}
	transcribeRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordGenerateStart marks the start of text generation
func (m *TurnMetrics) RecordGenerateStart() {
	m.mu.Lock()
	m.generateStart = time.Now()
	m.sawFirstDelta = false
	m.mu.Unlock()
}

// RecordTextDelta observes time-to-first-delta on the first call of a turn
func (m *TurnMetrics) RecordTextDelta() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.sawFirstDelta && !m.generateStart.IsZero() {
		generateFirstDeltaLatency.Observe(time.Since(m.generateStart).Seconds())
		m.sawFirstDelta = true
	}
	wireEventsTotal.WithLabelValues("text_delta").Inc()
}

// RecordGenerateEnd records generation outcome
func (m *TurnMetrics) RecordGenerateEnd(success bool) {
	generateRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordFlush records one chunk flush with the policy reason that triggered it
func (m *TurnMetrics) RecordFlush(reason string) {
	m.mu.Lock()
	if m.firstFlushTime.IsZero() {
		m.firstFlushTime = time.Now()
	}
	m.mu.Unlock()
	flushesTotal.WithLabelValues(reason).Inc()
}

// RecordAudioChunk records one audio chunk event emitted on the wire
func (m *TurnMetrics) RecordAudioChunk() {
	m.mu.Lock()
	if !m.sawFirstAudio && !m.firstFlushTime.IsZero() {
		synthFirstAudioLatency.Observe(time.Since(m.firstFlushTime).Seconds())
		m.sawFirstAudio = true
	}
	m.mu.Unlock()
	audioChunksTotal.Inc()
	wireEventsTotal.WithLabelValues("audio_chunk").Inc()
}

// RecordSynthEnd records the synthesis stream outcome
func (m *TurnMetrics) RecordSynthEnd(success bool) {
	synthRequests.WithLabelValues(statusLabel(success)).Inc()
}

// RecordWireEvent records a wire event by type. Deltas and audio chunks are
// counted by RecordTextDelta and RecordAudioChunk, which also observe their
// first-occurrence latencies, so they are skipped here.
func (m *TurnMetrics) RecordWireEvent(eventType string) {
	switch eventType {
	case "text_delta", "audio_chunk":
		return
	}
	wireEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordError records an error
func (m *TurnMetrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
