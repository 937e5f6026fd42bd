package embedding

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for facevec_worker_outcomes_total.
const (
	outcomeSuccess           = "success"
	outcomeTimeout           = "timeout"
	outcomeLaunchError       = "launch_error"
	outcomeCanceled          = "canceled"
	outcomeDimensionMismatch = "dimension_mismatch"
)

type metrics struct {
	spawns   prometheus.Counter
	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
	running  prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		spawns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "facevec_worker_spawns_total",
			Help: "Embedding worker processes started.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facevec_worker_outcomes_total",
			Help: "Embedding requests by model and outcome (success or failure kind).",
		}, []string{"model", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "facevec_worker_duration_seconds",
			Help:    "Wall time of embedding worker processes, including model load.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"model"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "facevec_workers_running",
			Help: "Embedding worker processes currently alive.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.spawns, m.outcomes, m.duration, m.running)
	}
	return m
}
