package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sonicres/internal/domain"
	"sonicres/internal/ports"
)

// Metrics contains the Prometheus collectors for listen sessions
type Metrics struct {
	// Session metrics
	SessionsStarted  prometheus.Counter
	SessionsFinished *prometheus.CounterVec
	ActiveSessions   prometheus.Gauge
	SessionDuration  prometheus.Histogram
	ConnectDuration  prometheus.Histogram

	// Audio relay metrics
	ChunksSent    prometheus.Counter
	ChunksDropped prometheus.Counter
	BytesSent     prometheus.Counter

	// Protocol metrics
	ProtocolAnomalies *prometheus.CounterVec
}

var _ ports.SessionMetrics = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "sonicres_sessions_started_total",
			Help: "Total number of listen sessions started",
		}),
		SessionsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sonicres_sessions_finished_total",
			Help: "Total number of listen sessions finished, by outcome",
		}, []string{"outcome"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sonicres_active_sessions",
			Help: "Current number of listen sessions in flight",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sonicres_session_duration_seconds",
			Help:    "Time from session start to its outcome",
			Buckets: prometheus.LinearBuckets(1, 2, 12), // 1s to 23s
		}),
		ConnectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sonicres_connect_duration_seconds",
			Help:    "Time until the recognition service acknowledged the connection",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}),

		ChunksSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "sonicres_audio_chunks_sent_total",
			Help: "Total number of audio chunks streamed to the recognition service",
		}),
		ChunksDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "sonicres_audio_chunks_dropped_total",
			Help: "Total number of audio chunks dropped while the transport was not open",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "sonicres_audio_bytes_sent_total",
			Help: "Total number of encoded audio bytes streamed",
		}),

		ProtocolAnomalies: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sonicres_protocol_anomalies_total",
			Help: "Total number of inbound messages ignored, by kind",
		}, []string{"kind"}),
	}
}

// Handler serves the metrics gathered by g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionStarted() {
	m.SessionsStarted.Inc()
	m.ActiveSessions.Inc()
}

// SessionFinished records the outcome and how long the session ran
func (m *Metrics) SessionFinished(outcome domain.Outcome, elapsed time.Duration) {
	m.SessionsFinished.WithLabelValues(string(outcome)).Inc()
	m.ActiveSessions.Dec()
	m.SessionDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ConnectLatency(elapsed time.Duration) {
	m.ConnectDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) ChunkSent(bytes int) {
	m.ChunksSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

func (m *Metrics) ChunkDropped() {
	m.ChunksDropped.Inc()
}

func (m *Metrics) ProtocolAnomaly(kind string) {
	m.ProtocolAnomalies.WithLabelValues(kind).Inc()
}
