package circuitbreaker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "capmesh",
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Current state of the circuit breaker (0=closed, 1=open, 2=half_open)",
		},
		[]string{"backend"},
	)

	breakerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capmesh",
			Subsystem: "circuit_breaker",
			Name:      "requests_total",
			Help:      "Total calls through circuit breakers",
		},
		[]string{"backend", "result"},
	)

	breakerFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capmesh",
			Subsystem: "circuit_breaker",
			Name:      "failures_total",
			Help:      "Total failures recorded by circuit breakers",
		},
		[]string{"backend"},
	)

	breakerSuccessesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capmesh",
			Subsystem: "circuit_breaker",
			Name:      "successes_total",
			Help:      "Total successes recorded by circuit breakers",
		},
		[]string{"backend"},
	)

	breakerStateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capmesh",
			Subsystem: "circuit_breaker",
			Name:      "state_changes_total",
			Help:      "Total circuit breaker state changes",
		},
		[]string{"backend", "from", "to"},
	)
)

func recordRequest(name string, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "rejected"
	}
	breakerRequestsTotal.WithLabelValues(name, result).Inc()
}

func recordFailure(name string) {
	breakerFailuresTotal.WithLabelValues(name).Inc()
}

func recordSuccess(name string) {
	breakerSuccessesTotal.WithLabelValues(name).Inc()
}

func recordStateChange(name string, from, to State) {
	breakerStateChangesTotal.WithLabelValues(name, from.String(), to.String()).Inc()
	breakerState.WithLabelValues(name).Set(float64(to))
}
