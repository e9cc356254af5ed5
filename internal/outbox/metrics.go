package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	delivered   prometheus.Counter
	failures    prometheus.Counter
	deadLetters prometheus.Counter
	lagSeconds  prometheus.Gauge
	undelivered prometheus.Gauge
	breakerOpen prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		delivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchid_outbox_delivered_total",
			Help: "Events delivered to the bus",
		}),
		failures: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchid_outbox_delivery_failures_total",
			Help: "Failed delivery attempts",
		}),
		deadLetters: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchid_outbox_dead_letters_total",
			Help: "Records moved to the dead-letter store",
		}),
		lagSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchid_outbox_delivery_lag_seconds",
			Help: "Age of the oldest undelivered record",
		}),
		undelivered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchid_outbox_undelivered",
			Help: "Undelivered records in the outbox",
		}),
		breakerOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "orchid_outbox_breaker_open",
			Help: "1 when the delivery-lag circuit breaker is open",
		}),
	}
}
