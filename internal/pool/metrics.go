package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	idleGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "capmesh",
			Subsystem: "pool",
			Name:      "idle_connections",
			Help:      "Idle connections in the pool",
		},
		[]string{"backend"},
	)

	activeGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "capmesh",
			Subsystem: "pool",
			Name:      "active_connections",
			Help:      "Connections currently owned by callers",
		},
		[]string{"backend"},
	)

	acquiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capmesh",
			Subsystem: "pool",
			Name:      "acquires_total",
			Help:      "Acquire outcomes by result",
		},
		[]string{"backend", "result"},
	)

	releasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capmesh",
			Subsystem: "pool",
			Name:      "releases_total",
			Help:      "Connections returned to the pool",
		},
		[]string{"backend"},
	)

	createsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capmesh",
			Subsystem: "pool",
			Name:      "connections_created_total",
			Help:      "Connections dialed",
		},
		[]string{"backend"},
	)

	destroysTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capmesh",
			Subsystem: "pool",
			Name:      "connections_destroyed_total",
			Help:      "Connections destroyed",
		},
		[]string{"backend"},
	)

	doubleReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "capmesh",
			Subsystem: "pool",
			Name:      "double_releases_total",
			Help:      "Ignored double releases",
		},
		[]string{"backend"},
	)
)

func setPoolGauges(backend string, idle, active int) {
	idleGauge.WithLabelValues(backend).Set(float64(idle))
	activeGauge.WithLabelValues(backend).Set(float64(active))
}

func recordAcquire(backend, result string) {
	acquiresTotal.WithLabelValues(backend, result).Inc()
}

func recordRelease(backend string) {
	releasesTotal.WithLabelValues(backend).Inc()
}

func recordCreate(backend string) {
	createsTotal.WithLabelValues(backend).Inc()
}

func recordDestroy(backend string) {
	destroysTotal.WithLabelValues(backend).Inc()
}

func recordDoubleRelease(backend string) {
	doubleReleasesTotal.WithLabelValues(backend).Inc()
}
