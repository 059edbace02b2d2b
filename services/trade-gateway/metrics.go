package main

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type gatewayMetrics struct {
	actions *prometheus.CounterVec
	latency *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsReg  *gatewayMetrics
)

// ActionMetrics returns the lazily-initialised counters tracking coordinator
// actions by outcome.
func ActionMetrics() *gatewayMetrics {
	metricsOnce.Do(func() {
		metricsReg = &gatewayMetrics{
			actions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escro",
				Subsystem: "gateway",
				Name:      "actions_total",
				Help:      "Total trade actions segmented by action and outcome.",
			}, []string{"action", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escro",
				Subsystem: "gateway",
				Name:      "action_duration_seconds",
				Help:      "Latency distribution for trade actions, settlement wait included.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"action"}),
		}
		prometheus.MustRegister(metricsReg.actions, metricsReg.latency)
	})
	return metricsReg
}

func (m *gatewayMetrics) observe(action, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(action, outcome).Inc()
	m.latency.WithLabelValues(action).Observe(took.Seconds())
}
