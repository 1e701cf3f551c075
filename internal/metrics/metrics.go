// Package metrics exposes Prometheus metrics for the conversation client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	QuestionsTotal  *prometheus.CounterVec
	FallbacksTotal  prometheus.Counter
	ResultsTotal    *prometheus.CounterVec
	FailuresTotal   *prometheus.CounterVec
	PollsTotal      *prometheus.CounterVec
	VoiceSessions   *prometheus.CounterVec
	VoiceConnected  prometheus.Gauge
	Awaiting        prometheus.Gauge
	UtterancesTotal prometheus.Counter
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New creates a Metrics instance with all metrics registered on its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "insightchat"
	}

	registry := prometheus.NewRegistry()

	questionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "questions_total",
			Help:      "Questions submitted, by route",
		},
		[]string{"route"},
	)

	fallbacksTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_fallbacks_total",
			Help:      "Voice-route questions retried on the direct route",
		},
	)

	resultsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_total",
			Help:      "Result bundles and voice responses appended, by source",
		},
		[]string{"source"},
	)

	failuresTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "failures_total",
			Help:      "Normalized failures surfaced to the user, by kind",
		},
		[]string{"kind"},
	)

	pollsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Pending-result poll requests, by outcome",
		},
		[]string{"outcome"},
	)

	voiceSessions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_sessions_total",
			Help:      "Voice session start attempts, by outcome",
		},
		[]string{"outcome"},
	)

	voiceConnected := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "voice_connected",
			Help:      "1 while a voice session is connected",
		},
	)

	awaiting := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "awaiting_answer",
			Help:      "1 while an answer is outstanding",
		},
	)

	utterancesTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Final utterances recognized by speech capture",
		},
	)

	requestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Local API requests",
		},
		[]string{"method", "route", "status"},
	)

	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Local API request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"method", "route"},
	)

	registry.MustRegister(
		questionsTotal,
		fallbacksTotal,
		resultsTotal,
		failuresTotal,
		pollsTotal,
		voiceSessions,
		voiceConnected,
		awaiting,
		utterancesTotal,
		requestsTotal,
		requestDuration,
	)

	return &Metrics{
		registry:        registry,
		QuestionsTotal:  questionsTotal,
		FallbacksTotal:  fallbacksTotal,
		ResultsTotal:    resultsTotal,
		FailuresTotal:   failuresTotal,
		PollsTotal:      pollsTotal,
		VoiceSessions:   voiceSessions,
		VoiceConnected:  voiceConnected,
		Awaiting:        awaiting,
		UtterancesTotal: utterancesTotal,
		RequestsTotal:   requestsTotal,
		RequestDuration: requestDuration,
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordQuestion records a submitted question.
func (m *Metrics) RecordQuestion(route string) {
	if m == nil {
		return
	}
	m.QuestionsTotal.WithLabelValues(route).Inc()
}

// RecordFallback records a voice-to-direct retry.
func (m *Metrics) RecordFallback() {
	if m == nil {
		return
	}
	m.FallbacksTotal.Inc()
}

// RecordResult records an appended answer.
func (m *Metrics) RecordResult(source string) {
	if m == nil {
		return
	}
	m.ResultsTotal.WithLabelValues(source).Inc()
}

// RecordFailure records a failure shown to the user.
func (m *Metrics) RecordFailure(kind string) {
	if m == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	m.FailuresTotal.WithLabelValues(kind).Inc()
}

// RecordPoll records the outcome of one poll request. It matches the
// poller's OnPoll hook.
func (m *Metrics) RecordPoll(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.PollsTotal.WithLabelValues(outcome).Inc()
}

// RecordVoiceSession records a voice session start outcome.
func (m *Metrics) RecordVoiceSession(outcome string) {
	if m == nil {
		return
	}
	m.VoiceSessions.WithLabelValues(outcome).Inc()
}

// SetVoiceConnected sets the connected gauge.
func (m *Metrics) SetVoiceConnected(connected bool) {
	if m == nil {
		return
	}
	m.VoiceConnected.Set(boolValue(connected))
}

// SetAwaiting sets the awaiting-answer gauge.
func (m *Metrics) SetAwaiting(awaiting bool) {
	if m == nil {
		return
	}
	m.Awaiting.Set(boolValue(awaiting))
}

// RecordUtterance records a final utterance.
func (m *Metrics) RecordUtterance() {
	if m == nil {
		return
	}
	m.UtterancesTotal.Inc()
}

// RecordRequest records a completed local API request.
func (m *Metrics) RecordRequest(method, route, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// ResponseWriter wraps http.ResponseWriter to capture the status code.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode int
}

// NewResponseWriter creates a new ResponseWriter.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, StatusCode: http.StatusOK}
}

// WriteHeader captures the status code.
func (rw *ResponseWriter) WriteHeader(code int) {
	rw.StatusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
