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
	OpenConversations  prometheus.Gauge
	TurnsProcessed     *prometheus.CounterVec
	RoutingDecisions   *prometheus.CounterVec
	FactUpserts        prometheus.Counter
	BlocksArchived     prometheus.Counter
	DegradedRetrievals prometheus.Counter
	WSMessages         *prometheus.CounterVec
	BundleTokens       prometheus.Histogram

	stageWindow *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		OpenConversations: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_conversations",
			Help:      "Number of open conversations.",
		}),
		TurnsProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_processed_total",
			Help:      "Processed turns by outcome.",
		}, []string{"outcome"}),
		RoutingDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_decisions_total",
			Help:      "Topic routing decisions by kind.",
		}, []string{"kind"}),
		FactUpserts: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fact_upserts_total",
			Help:      "Fact records written, including supersessions.",
		}),
		BlocksArchived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_archived_total",
			Help:      "Topic blocks moved to the archived state.",
		}),
		DegradedRetrievals: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_retrievals_total",
			Help:      "Turns served with an empty candidate set after retrieval failure.",
		}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		BundleTokens: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bundle_tokens",
			Help:      "Estimated token size of assembled context bundles.",
			Buckets:   []float64{250, 500, 1000, 2000, 4000, 6000, 8000, 12000},
		}),
		stageWindow: newTurnStageWindow(256),
	}
}

func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	m.stageWindow.Observe(stage, float64(d.Microseconds())/1000.0)
}

func (m *Metrics) ObserveIndicator(name string) {
	m.stageWindow.ObserveIndicator(name)
}

func (m *Metrics) SnapshotTurnStages() TurnStageSnapshot {
	return m.stageWindow.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
