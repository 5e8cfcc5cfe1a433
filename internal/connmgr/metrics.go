package connmgr

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	acquireResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capmesh",
			Subsystem: "connmgr",
			Name:      "acquires_total",
			Help:      "Connection acquisitions by backend, tenant, and result",
		},
		[]string{"backend", "tenant", "result"},
	)

	backendHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "capmesh",
			Subsystem: "connmgr",
			Name:      "backend_healthy",
			Help:      "Backend health flag (1 healthy, 0 unhealthy)",
		},
		[]string{"backend"},
	)
)

func recordAcquireResult(backend, tenant, result string) {
	acquireResults.WithLabelValues(backend, tenant, result).Inc()
}

func setHealthGauge(backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	backendHealth.WithLabelValues(backend).Set(v)
}
