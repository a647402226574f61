// Package metrics exposes Prometheus metrics for the service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeNoStart   = "no_start"
	OutcomeFailed    = "failed"
)

// Metrics contains all Prometheus metrics for the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions  prometheus.Gauge
	Sessions        *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	StreamsStarted  prometheus.Counter

	// Protocol metrics
	MalformedFrames   prometheus.Counter
	MarksAcknowledged prometheus.Counter

	// Synthesis and output metrics
	SynthesisDuration *prometheus.HistogramVec
	AudioBytesSent    prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	Directives   *prometheus.CounterVec
}

// New creates and registers all metrics on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "twiliosay_active_sessions",
			Help: "Current number of open media stream sessions",
		}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "twiliosay_sessions_total",
			Help: "Media stream sessions by outcome",
		}, []string{"outcome"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "twiliosay_session_duration_seconds",
			Help:    "Duration of media stream sessions",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),
		StreamsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "twiliosay_streams_started_total",
			Help: "Start events received from Twilio",
		}),
		MalformedFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "twiliosay_malformed_frames_total",
			Help: "Inbound frames that failed to parse",
		}),
		MarksAcknowledged: f.NewCounter(prometheus.CounterOpts{
			Name: "twiliosay_marks_acknowledged_total",
			Help: "Mark events acknowledged by Twilio",
		}),
		SynthesisDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "twiliosay_synthesis_duration_seconds",
			Help:    "Time spent in the synthesis backend",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"result"}),
		AudioBytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "twiliosay_audio_bytes_sent_total",
			Help: "Raw μ-law bytes sent to Twilio",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "twiliosay_http_requests_total",
			Help: "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		Directives: f.NewCounterVec(prometheus.CounterOpts{
			Name: "twiliosay_directives_total",
			Help: "TwiML directives returned by the call-setup webhook",
		}, []string{"mode"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SessionOpened records a new session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed records the end of a session.
func (m *Metrics) SessionClosed(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.Sessions.WithLabelValues(outcome).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

// StreamStarted records a start event.
func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.StreamsStarted.Inc()
}

// FrameMalformed records an unparseable inbound frame.
func (m *Metrics) FrameMalformed() {
	if m == nil {
		return
	}
	m.MalformedFrames.Inc()
}

// MarkAcknowledged records a mark event.
func (m *Metrics) MarkAcknowledged() {
	if m == nil {
		return
	}
	m.MarksAcknowledged.Inc()
}

// SynthesisObserved records one backend call.
func (m *Metrics) SynthesisObserved(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.SynthesisDuration.WithLabelValues(result).Observe(d.Seconds())
}

// AudioSent records bytes written to the wire.
func (m *Metrics) AudioSent(n int) {
	if m == nil {
		return
	}
	m.AudioBytesSent.Add(float64(n))
}

// HTTPRequest records one handled request.
func (m *Metrics) HTTPRequest(route string, code int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// DirectiveServed records a TwiML document returned by the webhook.
func (m *Metrics) DirectiveServed(mode string) {
	if m == nil {
		return
	}
	m.Directives.WithLabelValues(mode).Inc()
}
