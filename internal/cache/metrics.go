package cache

import "github.com/prometheus/client_golang/prometheus"

var (
	// lookups counts cache reads by namespace and outcome (hit|miss|bypass|error|disabled).
	lookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_lookups_total",
			Help: "Response cache lookups by namespace and result.",
		},
		[]string{"namespace", "result"},
	)

	// writes counts asynchronous cache writes by outcome (ok|error).
	writes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_writes_total",
			Help: "Response cache writes by result.",
		},
		[]string{"result"},
	)

	// invalidations counts scope invalidation runs by outcome (ok|noop|error).
	invalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cache_invalidations_total",
			Help: "Scope invalidation runs by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(lookups, writes, invalidations)
}
