package audit

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var entriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "capmesh",
		Subsystem: "audit",
		Name:      "entries_total",
		Help:      "Audit entries by tenant, outcome, and violation flag",
	},
	[]string{"tenant", "outcome", "violation"},
)

func recordEntry(tenant, outcome string, violation bool) {
	entriesTotal.WithLabelValues(tenant, outcome, strconv.FormatBool(violation)).Inc()
}
