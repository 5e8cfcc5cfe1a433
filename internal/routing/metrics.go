package routing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	routesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capmesh",
			Subsystem: "routing",
			Name:      "routes_total",
			Help:      "Routing decisions by capability, tenant, and outcome",
		},
		[]string{"capability", "tenant", "outcome"},
	)

	candidateHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "capmesh",
			Subsystem: "routing",
			Name:      "candidate_healthy",
			Help:      "Routing candidate health flag (1 healthy, 0 unhealthy)",
		},
		[]string{"backend"},
	)
)

func recordRoute(capability, tenant, outcome string) {
	routesTotal.WithLabelValues(capability, tenant, outcome).Inc()
}

func setRoutingHealthGauge(backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	candidateHealth.WithLabelValues(backend).Set(v)
}
