// Package observability holds the Prometheus instruments and the sliding
// latency windows backing the perf endpoint.
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
	ActiveCalls       prometheus.Gauge
	CallEvents        *prometheus.CounterVec
	WSMessages        *prometheus.CounterVec
	ProviderErrors    *prometheus.CounterVec
	PoolIdle          *prometheus.GaugeVec
	PoolLeased        *prometheus.GaugeVec
	PoolRejections    *prometheus.CounterVec
	BargeIns          prometheus.Counter
	Handoffs          *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of active voice calls.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		PoolIdle: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_idle_clients",
			Help:      "Idle warm clients by pool.",
		}, []string{"pool"}),
		PoolLeased: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_leased_clients",
			Help:      "Leased clients by pool.",
		}, []string{"pool"}),
		PoolRejections: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_rejections_total",
			Help:      "Call admissions rejected for pool exhaustion, by pool.",
		}, []string{"pool"}),
		BargeIns: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Caller interruptions during agent playback.",
		}),
		Handoffs: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_handoffs_total",
			Help:      "Agent handoffs by source and target agent.",
		}, []string{"from", "to"}),
		ToolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by agent, tool and outcome.",
		}, []string{"agent", "tool", "outcome"}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from committed utterance to first agent audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

// SetPoolStats publishes one pool's gauges.
func (m *Metrics) SetPoolStats(pool string, idle, leased int) {
	m.PoolIdle.WithLabelValues(pool).Set(float64(idle))
	m.PoolLeased.WithLabelValues(pool).Set(float64(leased))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
