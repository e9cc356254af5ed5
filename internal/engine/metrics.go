package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	runsStarted    prometheus.Counter
	runsCancelled  prometheus.Counter
	startFailures  prometheus.Counter
	signals        *prometheus.CounterVec
	breakerOpen    *prometheus.GaugeVec
	statusDegraded prometheus.Counter
	adapterCalls   *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchid_engine_runs_started_total",
			Help: "Runs accepted and handed to a provider",
		}),
		runsCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchid_engine_runs_cancelled_total",
			Help: "Cancel requests forwarded to a provider",
		}),
		startFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchid_engine_start_failures_total",
			Help: "Runs that failed before or during provider start",
		}),
		signals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "orchid_engine_signals_total",
			Help: "Signals forwarded, by type",
		}, []string{"type"}),
		breakerOpen: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchid_engine_provider_breaker_open",
			Help: "1 when the provider circuit breaker is open",
		}, []string{"provider"}),
		statusDegraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "orchid_engine_status_degraded_total",
			Help: "Status reads served without provider enrichment",
		}),
		adapterCalls: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "orchid_engine_adapter_call_seconds",
			Help:    "Provider adapter call latency, by provider and operation",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider", "op"}),
	}
}
