package retry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capmesh",
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Total retry attempts (excluding first attempts)",
		},
		[]string{"backend"},
	)

	exhaustionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capmesh",
			Subsystem: "retry",
			Name:      "exhaustions_total",
			Help:      "Total operations that exhausted all retry attempts",
		},
		[]string{"backend"},
	)
)

func recordRetry(name string) {
	retriesTotal.WithLabelValues(name).Inc()
}

func recordExhaustion(name string) {
	exhaustionsTotal.WithLabelValues(name).Inc()
}
