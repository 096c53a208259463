// Package metrics exposes the relay's prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for finished turns.
const (
	OutcomeFinalized = "finalized"
	OutcomeFailed    = "failed"
	OutcomeCanceled  = "canceled"
)

// StreamMetrics counts relay activity per turn and per token.
type StreamMetrics struct {
	StreamsStarted prometheus.Counter
	StreamsClosed  *prometheus.CounterVec
	BusyRejections prometheus.Counter
	TokensRelayed  prometheus.Counter
	CodecErrors    prometheus.Counter
	ActiveSessions prometheus.Gauge
	StreamDuration prometheus.Histogram
}

// New registers the stream metrics with reg and returns them.
func New(reg prometheus.Registerer) *StreamMetrics {
	factory := promauto.With(reg)
	return &StreamMetrics{
		StreamsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "jura_streams_started_total",
			Help: "Turns submitted to the orchestrator.",
		}),
		StreamsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jura_streams_closed_total",
			Help: "Turns closed, by outcome.",
		}, []string{"outcome"}),
		BusyRejections: factory.NewCounter(prometheus.CounterOpts{
			Name: "jura_busy_rejections_total",
			Help: "Submissions rejected because the thread already had an active stream.",
		}),
		TokensRelayed: factory.NewCounter(prometheus.CounterOpts{
			Name: "jura_tokens_relayed_total",
			Help: "Token events relayed from the agent.",
		}),
		CodecErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "jura_codec_errors_total",
			Help: "Malformed SSE frames skipped by the codec.",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "jura_active_sessions",
			Help: "Streams currently in flight.",
		}),
		StreamDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "jura_stream_duration_seconds",
			Help:    "Wall time from submit to close.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
	}
}

// NewNop returns metrics registered against a throwaway registry, for
// tests and callers that do not scrape.
func NewNop() *StreamMetrics {
	return New(prometheus.NewRegistry())
}
