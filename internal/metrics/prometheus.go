package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions  prometheus.Gauge
	SessionsCreated prometheus.Counter
	SessionDuration prometheus.Histogram

	// Audio metrics
	InboundFrames    prometheus.Counter
	DroppedFrames    *prometheus.CounterVec
	OutboundFrames   prometheus.Counter
	SuppressedFrames prometheus.Counter

	// Conversation metrics
	Interruptions      prometheus.Counter
	Utterances         prometheus.Counter
	Turns              *prometheus.CounterVec
	GenerationFailures prometheus.Counter
	GenerationDuration prometheus.Histogram

	// Upstream metrics
	UpstreamErrors *prometheus.CounterVec
}

// NewMetrics creates all relay metrics on a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_active_sessions",
			Help: "Current number of connected relay sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_created_total",
			Help: "Total number of relay sessions created",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_session_duration_seconds",
			Help:    "Duration of relay sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		InboundFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_inbound_frames_total",
			Help: "Total number of audio frames received from clients",
		}),
		DroppedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dropped_frames_total",
			Help: "Inbound audio frames that were not forwarded upstream",
		}, []string{"reason"}),
		OutboundFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_outbound_frames_total",
			Help: "Total number of synthesized frames sent to clients",
		}),
		SuppressedFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_suppressed_frames_total",
			Help: "Synthesized frames withheld because the user barged in",
		}),

		Interruptions: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_interruptions_total",
			Help: "Total number of barge-in interruptions",
		}),
		Utterances: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_utterances_total",
			Help: "Total number of finalized user utterances",
		}),
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_turns_total",
			Help: "Assistant turns by outcome",
		}, []string{"outcome"}),
		GenerationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_generation_failures_total",
			Help: "Text generation calls that failed and used the fallback reply",
		}),
		GenerationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_generation_duration_seconds",
			Help:    "Latency of text generation calls",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}),

		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_errors_total",
			Help: "Upstream speech socket errors by bridge",
		}, []string{"bridge"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
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

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionEnded(d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(d.Seconds())
}

func (m *Metrics) FrameReceived() {
	if m == nil {
		return
	}
	m.InboundFrames.Inc()
}

func (m *Metrics) FrameDropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedFrames.WithLabelValues(reason).Inc()
}

func (m *Metrics) FrameSent() {
	if m == nil {
		return
	}
	m.OutboundFrames.Inc()
}

func (m *Metrics) FrameSuppressed() {
	if m == nil {
		return
	}
	m.SuppressedFrames.Inc()
}

func (m *Metrics) Interrupted() {
	if m == nil {
		return
	}
	m.Interruptions.Inc()
}

func (m *Metrics) UtteranceFinalized() {
	if m == nil {
		return
	}
	m.Utterances.Inc()
}

func (m *Metrics) TurnFinished(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) GenerationObserved(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.GenerationDuration.Observe(d.Seconds())
	if failed {
		m.GenerationFailures.Inc()
	}
}

func (m *Metrics) UpstreamError(bridge string) {
	if m == nil {
		return
	}
	m.UpstreamErrors.WithLabelValues(bridge).Inc()
}
