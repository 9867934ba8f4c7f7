package metrics

import (
	"net/http"

	"github.com/exam-voice-lab/internal/voice"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the exam listener
type Metrics struct {
	registry *prometheus.Registry

	// Analyzer metrics
	FramesAnalyzed *prometheus.CounterVec
	SpeechFrames   *prometheus.CounterVec
	VolumeLevel    *prometheus.GaugeVec

	// Segmentation metrics
	DeadlinesFired *prometheus.CounterVec
	PayloadsSent   *prometheus.CounterVec
	PayloadBytes   *prometheus.HistogramVec
	UtteranceTime  *prometheus.HistogramVec

	// Lifecycle metrics
	AcquireFailures *prometheus.CounterVec
	ListenerState   *prometheus.GaugeVec

	// Transport metrics
	SinkErrors   *prometheus.CounterVec
	Reconnects   prometheus.Counter
	ServerFrames *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry so several
// instances can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		FramesAnalyzed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_listener_frames_analyzed_total",
			Help: "Total number of audio frames analyzed",
		}, []string{"mode"}),
		SpeechFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_listener_speech_frames_total",
			Help: "Total number of frames classified as speech",
		}, []string{"mode"}),
		VolumeLevel: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exam_listener_volume_level",
			Help: "Normalized volume (0-100) of the latest frame",
		}, []string{"mode"}),

		DeadlinesFired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_listener_deadlines_fired_total",
			Help: "Total number of utterance deadlines that fired",
		}, []string{"mode", "reason"}),
		PayloadsSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_listener_payloads_total",
			Help: "Total number of payloads handed to the sink",
		}, []string{"mode", "final"}),
		PayloadBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exam_listener_payload_bytes",
			Help:    "Decoded audio size of emitted payloads",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}, []string{"final"}),
		UtteranceTime: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "exam_listener_utterance_duration_seconds",
			Help:    "Audio duration covered by final payloads",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~1 minute
		}, []string{"mode"}),

		AcquireFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_listener_acquire_failures_total",
			Help: "Total number of failed microphone acquisitions",
		}, []string{"mode", "kind"}),
		ListenerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "exam_listener_state",
			Help: "1 for the current lifecycle state, 0 otherwise",
		}, []string{"mode", "state"}),

		SinkErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_listener_sink_errors_total",
			Help: "Total number of payload deliveries that failed",
		}, []string{"sink"}),
		Reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "exam_listener_socket_reconnects_total",
			Help: "Total number of exam socket reconnect attempts",
		}),
		ServerFrames: f.NewCounterVec(prometheus.CounterOpts{
			Name: "exam_listener_server_messages_total",
			Help: "Total number of messages received from the exam server",
		}, []string{"type"}),
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and custom exporters
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// FrameAnalyzed records one analyzed frame
func (m *Metrics) FrameAnalyzed(mode voice.Mode, volume float64, speech bool) {
	m.FramesAnalyzed.WithLabelValues(string(mode)).Inc()
	if speech {
		m.SpeechFrames.WithLabelValues(string(mode)).Inc()
	}
	m.VolumeLevel.WithLabelValues(string(mode)).Set(volume)
}

// DeadlineFired records a silence or max-speech deadline
func (m *Metrics) DeadlineFired(mode voice.Mode, reason voice.FlushReason) {
	m.DeadlinesFired.WithLabelValues(string(mode), string(reason)).Inc()
}

// PayloadEmitted records a payload handed to the sink
func (m *Metrics) PayloadEmitted(p voice.AudioPayload, audioBytes int) {
	final := "false"
	if p.IsFinal {
		final = "true"
		m.UtteranceTime.WithLabelValues(string(p.Mode)).Observe(p.DurationSeconds)
	}
	m.PayloadsSent.WithLabelValues(string(p.Mode), final).Inc()
	m.PayloadBytes.WithLabelValues(final).Observe(float64(audioBytes))
}

// AcquireFailed records a failed acquisition by error kind
func (m *Metrics) AcquireFailed(mode voice.Mode, kind string) {
	m.AcquireFailures.WithLabelValues(string(mode), kind).Inc()
}

// StateChanged flips the state gauge
func (m *Metrics) StateChanged(mode voice.Mode, state voice.State) {
	for _, s := range []voice.State{voice.StateIdle, voice.StateAcquiring, voice.StateListening, voice.StateStopped} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ListenerState.WithLabelValues(string(mode), s.String()).Set(v)
	}
}

// RecordSinkError counts a failed delivery
func (m *Metrics) RecordSinkError(sink string) {
	m.SinkErrors.WithLabelValues(sink).Inc()
}

// RecordReconnect counts a socket reconnect attempt
func (m *Metrics) RecordReconnect() {
	m.Reconnects.Inc()
}

// RecordServerMessage counts an inbound server message by type
func (m *Metrics) RecordServerMessage(msgType string) {
	m.ServerFrames.WithLabelValues(msgType).Inc()
}
