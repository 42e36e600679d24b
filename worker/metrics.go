package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "gobansocket"

// Metrics holds the proxy's Prometheus collectors.
type Metrics struct {
	messages       *prometheus.CounterVec
	pending        prometheus.Gauge
	orphaned       prometheus.Counter
	workerFailures prometheus.Counter
}

// NewMetrics creates the proxy collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "proxy",
			Name:      "messages_total",
			Help:      "Messages exchanged with the socket worker",
		}, []string{"direction", "type"}),

		pending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "proxy",
			Name:      "pending_callbacks",
			Help:      "Send callbacks waiting for a worker response",
		}),

		orphaned: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "proxy",
			Name:      "orphaned_callbacks_total",
			Help:      "Callback responses that arrived after their entry was gone",
		}),

		workerFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "proxy",
			Name:      "worker_failures_total",
			Help:      "Fatal socket worker failures",
		}),
	}
}
