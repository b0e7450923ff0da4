package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lexiqai/voice-pipeline/internal/resilience"
)

// Utterance outcomes
const (
	UtteranceAccepted     = "accepted"
	UtteranceEcho         = "echo"
	UtteranceNoWakeWord   = "no_wake_word"
	UtteranceWakeWordOnly = "wake_word_only"
)

var (
	// Connection metrics
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_pipeline_active_connections",
		Help: "Number of open voice connections",
	})

	totalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_pipeline_connections_total",
		Help: "Total number of voice connections accepted",
	})

	connectionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_pipeline_connection_duration_seconds",
		Help:    "Duration of voice connections in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	// Conversation metrics
	utterances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_utterances_total",
		Help: "Finalized user utterances by outcome",
	}, []string{"outcome"})

	interrupts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_pipeline_interrupts_total",
		Help: "Total number of client interrupts",
	})

	// LLM metrics
	llmRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_llm_requests_total",
		Help: "Total number of language model turns",
	}, []string{"status"})

	llmLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_pipeline_llm_latency_seconds",
		Help:    "Time to complete a language model stream in seconds",
		Buckets: []float64{0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0},
	})

	llmFirstFragment = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_pipeline_llm_first_fragment_seconds",
		Help:    "Time from request to first language model fragment in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	// TTS metrics
	ttsFirstAudio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_pipeline_tts_first_audio_seconds",
		Help:    "Time from first synthesized text to first audio frame in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	flushTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_pipeline_tts_flush_timeouts_total",
		Help: "Synthesis flushes abandoned because playback did not drain in time",
	})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_pipeline_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_circuit_breaker_failures_total",
		Help: "Total circuit breaker trips",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_pipeline_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single connection
type Metrics struct {
	connectionID  string
	startTime     time.Time
	llmStartTime  time.Time
	llmFirstSeen  bool
	ttsStartTime  time.Time
	ttsFirstAudio bool
	ended         bool
	mu            sync.Mutex
}

// NewConnectionMetrics creates a new metrics tracker for a connection
func NewConnectionMetrics(connectionID string) *Metrics {
	return &Metrics{
		connectionID: connectionID,
		startTime:    time.Now(),
	}
}

// ConnectionID returns the connection the tracker belongs to
func (m *Metrics) ConnectionID() string {
	return m.connectionID
}

// RecordConnectionStart records the start of a connection
func (m *Metrics) RecordConnectionStart() {
	activeConnections.Inc()
	totalConnections.Inc()
}

// RecordConnectionEnd records the end of a connection. Repeated calls are ignored.
func (m *Metrics) RecordConnectionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ended {
		return
	}
	m.ended = true

	activeConnections.Dec()
	connectionDuration.Observe(time.Since(m.startTime).Seconds())
}

// RecordUtterance counts a finalized user utterance by outcome
func (m *Metrics) RecordUtterance(outcome string) {
	utterances.WithLabelValues(outcome).Inc()
}

// RecordInterrupt counts a client interrupt
func (m *Metrics) RecordInterrupt() {
	interrupts.Inc()
}

// RecordLLMStart records the start of a language model turn
func (m *Metrics) RecordLLMStart() {
	m.mu.Lock()
	m.llmStartTime = time.Now()
	m.llmFirstSeen = false
	m.mu.Unlock()
}

// RecordLLMFragment observes time to first fragment once per turn
func (m *Metrics) RecordLLMFragment() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.llmFirstSeen || m.llmStartTime.IsZero() {
		return
	}
	m.llmFirstSeen = true
	llmFirstFragment.Observe(time.Since(m.llmStartTime).Seconds())
}

// RecordLLMEnd records the end of a language model turn
func (m *Metrics) RecordLLMEnd(success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.llmStartTime.IsZero() {
		llmLatency.Observe(time.Since(m.llmStartTime).Seconds())
	}

	status := "success"
	if !success {
		status = "error"
	}
	llmRequests.WithLabelValues(status).Inc()
}

// RecordTTSStart marks the moment the first text of an utterance went to synthesis
func (m *Metrics) RecordTTSStart() {
	m.mu.Lock()
	m.ttsStartTime = time.Now()
	m.ttsFirstAudio = false
	m.mu.Unlock()
}

// RecordAudioOut counts outbound audio and observes time to first audio once per utterance
func (m *Metrics) RecordAudioOut(bytes int) {
	audioBytesProcessed.WithLabelValues("out").Add(float64(bytes))

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ttsFirstAudio || m.ttsStartTime.IsZero() {
		return
	}
	m.ttsFirstAudio = true
	ttsFirstAudio.Observe(time.Since(m.ttsStartTime).Seconds())
}

// RecordAudioIn counts inbound audio bytes forwarded to recognition
func (m *Metrics) RecordAudioIn(bytes int) {
	audioBytesProcessed.WithLabelValues("in").Add(float64(bytes))
}

// RecordFlushTimeout counts an abandoned synthesis flush
func (m *Metrics) RecordFlushTimeout() {
	flushTimeouts.Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state resilience.CircuitState) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}

// CircuitBreakerHook exports breaker transitions; attach with CircuitBreaker.OnStateChange
func CircuitBreakerHook(name string, from, to resilience.CircuitState) {
	UpdateCircuitBreakerState(name, to)
	if to == resilience.StateOpen {
		IncrementCircuitBreakerFailures(name)
	}
}
