package gateway

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "activitybus"

// gatewayMetrics are the Prometheus collectors for live connections.
type gatewayMetrics struct {
	connections  prometheus.Gauge
	rejections   *prometheus.CounterVec
	sent         *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	backpressure prometheus.Counter
	queueDepth   prometheus.Histogram
}

// newGatewayMetrics registers collectors on reg. A nil reg leaves them unregistered.
func newGatewayMetrics(reg prometheus.Registerer) *gatewayMetrics {
	factory := promauto.With(reg)
	return &gatewayMetrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "connections_active",
			Help:      "Live WebSocket connections past authentication",
		}),
		rejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "handshake_rejections_total",
			Help:      "Connections closed during the handshake, by error code",
		}, []string{"code"}),
		sent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_sent_total",
			Help:      "Messages written to clients",
		}, []string{"priority"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped before delivery",
		}, []string{"priority", "reason"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "send_latency_seconds",
			Help:      "Time from enqueue to write",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}, []string{"priority"}),
		backpressure: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "backpressure_events_total",
			Help:      "Transitions into the backpressure state",
		}),
		queueDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "ws",
			Name:      "queue_depth",
			Help:      "Outbound queue length observed at each flush",
			Buckets:   []float64{0, 10, 50, 100, 250, 500, 800, 950, 1000},
		}),
	}
}

func (m *gatewayMetrics) recordSent(p Priority, latency time.Duration) {
	m.sent.WithLabelValues(p.String()).Inc()
	m.latency.WithLabelValues(p.String()).Observe(latency.Seconds())
}

func (m *gatewayMetrics) recordDrop(p Priority, reason string) {
	m.dropped.WithLabelValues(p.String(), reason).Inc()
}
