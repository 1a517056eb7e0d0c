package proxy

import "github.com/prometheus/client_golang/prometheus"

// requests counts proxied requests by forwarding mode (stream|anonymize|reject).
var requests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_proxy_requests_total",
		Help: "Replication requests handled by the reverse proxy, by mode.",
	},
	[]string{"mode"},
)

func init() {
	prometheus.MustRegister(requests)
}
