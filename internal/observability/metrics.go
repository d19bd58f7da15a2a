package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/antoniostano/agentbridge/internal/tracker"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions   prometheus.Gauge
	SessionEvents    *prometheus.CounterVec
	WSMessages       *prometheus.CounterVec
	UpstreamErrors   *prometheus.CounterVec
	FunctionCalls    *prometheus.CounterVec
	FunctionLatency  *prometheus.HistogramVec
	DroppedFrames    *prometheus.CounterVec
	AgentLatency     *prometheus.HistogramVec
	UpstreamConnects prometheus.Histogram

	latency *sampleWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of registered voice agent sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		UpstreamErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream agent errors by code.",
		}, []string{"code"}),
		FunctionCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "function_calls_total",
			Help:      "Function dispatches by name and outcome.",
		}, []string{"function", "outcome"}),
		FunctionLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "function_latency_ms",
			Help:      "Function dispatch latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"function"}),
		DroppedFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_audio_frames_total",
			Help:      "Audio frames dropped by direction and reason.",
		}, []string{"direction", "reason"}),
		AgentLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_latency_ms",
			Help:      "Upstream agent reported latency in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 3500},
		}, []string{"stage"}),
		UpstreamConnects: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_connect_ms",
			Help:      "Time to establish and configure the upstream agent connection.",
			Buckets:   []float64{50, 100, 200, 400, 800, 1600, 3200},
		}),
		latency: newSampleWindow(256),
	}
}

// AppendLatency adds a session latency sample to the process-wide window
// and to the matching histogram. It makes Metrics a tracker-style latency
// recorder.
func (m *Metrics) AppendLatency(sample tracker.LatencySample) {
	if m == nil {
		return
	}
	m.latency.Append(sample)
	ms := float64(sample.Duration.Microseconds()) / 1000
	name := sample.Name
	switch {
	case strings.HasPrefix(name, "function:"):
		m.FunctionLatency.WithLabelValues(strings.TrimPrefix(name, "function:")).Observe(ms)
	case strings.HasPrefix(name, "agent_"):
		m.AgentLatency.WithLabelValues(strings.TrimPrefix(name, "agent_")).Observe(ms)
	case name == "upstream_connect":
		m.UpstreamConnects.Observe(ms)
	}
}

func (m *Metrics) ObserveIndicator(name string) {
	if m == nil {
		return
	}
	m.latency.Count(name)
}

func (m *Metrics) SnapshotLatency() LatencySnapshot {
	if m == nil {
		return LatencySnapshot{GeneratedAt: time.Now().UTC(), Stages: []LatencyStats{}}
	}
	return m.latency.Snapshot()
}

func (m *Metrics) ResetLatency() {
	if m == nil {
		return
	}
	m.latency.Reset()
}

func (m *Metrics) SessionEvent(event string) {
	if m == nil {
		return
	}
	m.SessionEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) DroppedFrame(direction, reason string) {
	if m == nil {
		return
	}
	m.DroppedFrames.WithLabelValues(direction, reason).Inc()
}

func (m *Metrics) WSMessage(direction, msgType string) {
	if m == nil {
		return
	}
	m.WSMessages.WithLabelValues(direction, msgType).Inc()
}

func (m *Metrics) FunctionCall(name, outcome string) {
	if m == nil {
		return
	}
	m.FunctionCalls.WithLabelValues(name, outcome).Inc()
}

func (m *Metrics) UpstreamError(code string) {
	if m == nil {
		return
	}
	if code == "" {
		code = "unknown"
	}
	m.UpstreamErrors.WithLabelValues(code).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
