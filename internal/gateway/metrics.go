package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics covers the gateway pipeline. A nil Registerer falls back to a
// private registry so library use never panics on duplicate registration.
type Metrics struct {
	Decisions       *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	Confirmations   *prometheus.CounterVec
	InFlight        prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "capgate_decisions_total",
			Help: "Policy decisions by action.",
		}, []string{"action"}),

		RequestDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "capgate_request_duration_seconds",
			Help:    "Execution latency by terminal status.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"status"}),

		Confirmations: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "capgate_confirmations_total",
			Help: "Confirmation transitions by final status.",
		}, []string{"status"}),

		InFlight: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "capgate_inflight_executions",
			Help: "Executions currently running.",
		}),
	}
}
