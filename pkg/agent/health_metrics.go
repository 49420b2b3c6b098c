package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	healthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "buildfarm",
			Subsystem: "agent",
			Name:      "health_checks_total",
			Help:      "Total number of health check runs",
		},
		[]string{"check", "result"}, // success, failure
	)

	healthChecksFailing = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "buildfarm",
			Subsystem: "agent",
			Name:      "health_checks_failing",
			Help:      "Number of health checks currently marking the agent unhealthy",
		},
	)
)

func recordHealthCheck(check string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	healthChecksTotal.WithLabelValues(check, result).Inc()
}

func setHealthChecksFailing(n int) {
	healthChecksFailing.Set(float64(n))
}
