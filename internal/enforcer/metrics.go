package enforcer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	validationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capmesh",
			Subsystem: "enforcer",
			Name:      "validations_total",
			Help:      "Validation decisions by tenant, role, and outcome",
		},
		[]string{"tenant", "role", "outcome"},
	)

	violationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capmesh",
			Subsystem: "enforcer",
			Name:      "violations_total",
			Help:      "Wrong-domain attempts by tenant and role",
		},
		[]string{"tenant", "role"},
	)
)

func recordValidation(tenant, role string, allowed, violation bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	validationsTotal.WithLabelValues(tenant, role, outcome).Inc()
	if violation {
		violationsTotal.WithLabelValues(tenant, role).Inc()
	}
}
