package registry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	allocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capmesh",
			Subsystem: "registry",
			Name:      "allocations_total",
			Help:      "Connection allocations by tenant, capability, and outcome",
		},
		[]string{"tenant", "capability", "outcome"},
	)

	activeAllocations = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "capmesh",
			Subsystem: "registry",
			Name:      "active_allocations",
			Help:      "Live allocation counts by tenant and backend",
		},
		[]string{"tenant", "backend"},
	)
)

func recordAllocation(tenant, capability, outcome string) {
	allocationsTotal.WithLabelValues(tenant, capability, outcome).Inc()
}

func setActiveAllocations(tenant, backend string, active int) {
	activeAllocations.WithLabelValues(tenant, backend).Set(float64(active))
}
