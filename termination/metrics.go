package termination

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	sessions prometheus.Gauge
	commands *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)

	return &metrics{
		sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gobansocket",
			Subsystem: "termination",
			Name:      "sessions",
			Help:      "Connected socket sessions",
		}),
		commands: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gobansocket",
			Subsystem: "termination",
			Name:      "commands_total",
			Help:      "Commands received from clients",
		}, []string{"command"}),
	}
}
