package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveSessions          prometheus.Gauge
	SessionEvents           *prometheus.CounterVec
	ChannelEvents           *prometheus.CounterVec
	PublishErrors           prometheus.Counter
	StreamFaults            *prometheus.CounterVec
	TranscriptPairs         prometheus.Counter
	AudioBatches            prometheus.Counter
	FirstClientEventLatency prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of active realtime agent sessions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		ChannelEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "channel_events_total",
			Help:      "Pub/sub channel events by direction and kind.",
		}, []string{"direction", "kind"}),
		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed publishes to the client channel.",
		}),
		StreamFaults: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_faults_total",
			Help:      "Model stream faults by class.",
		}, []string{"class"}),
		TranscriptPairs: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transcript_pairs_total",
			Help:      "Question/answer pairs persisted to the transcript store.",
		}),
		AudioBatches: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_batches_total",
			Help:      "Audio output batches published to the client.",
		}),
		FirstClientEventLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_client_event_latency_ms",
			Help:      "Latency from subscribe to the first client event in milliseconds.",
			Buckets:   []float64{250, 500, 1000, 2000, 5000, 10000, 30000, 60000},
		}),
	}
}

func (m *Metrics) ObserveFirstClientEventLatency(d time.Duration) {
	m.FirstClientEventLatency.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
