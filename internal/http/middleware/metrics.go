// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file exposes the gateway_http_* Prometheus series. Every series is
// labelled by method and a bounded route label: the registered Gin route,
// "replication" for proxied database traffic, or "unmatched". Database paths
// and document ids never become label values.
package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tbourn/go-doc-gateway/internal/proxy"
)

const (
	metricsNamespace = "gateway"
	metricsSubsystem = "http"

	labelReplication = "replication"
	labelUnmatched   = "unmatched"
)

var (
	httpReqs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "requests_total",
		Help:      "HTTP requests by route and status.",
	}, []string{"method", "route", "status"})

	httpLat = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "request_duration_seconds",
		Help:      "Time to the end of the response. Feed streams are observed when they close.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 120, 600},
	}, []string{"method", "route"})

	httpInflight = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "requests_inflight",
		Help:      "Requests currently being served, split into REST and replication.",
	}, []string{"traffic"})

	httpRespSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "response_size_bytes",
		Help:      "Response body sizes.",
		Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
	}, []string{"method", "route"})

	rateLimited = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: metricsSubsystem,
		Name:      "rate_limited_total",
		Help:      "Requests rejected with 429 by the per-identity limiter.",
	})
)

func init() {
	prometheus.MustRegister(httpReqs, httpLat, httpInflight, httpRespSize, rateLimited)
}

// Metrics instruments every request that reaches it.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		traffic := "rest"
		if proxy.IsReplication(c.Request) {
			traffic = labelReplication
		}
		inflight := httpInflight.WithLabelValues(traffic)
		inflight.Inc()
		defer inflight.Dec()

		c.Next()

		route, method := routeLabel(c), c.Request.Method
		httpReqs.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpLat.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		if size := c.Writer.Size(); size >= 0 {
			httpRespSize.WithLabelValues(method, route).Observe(float64(size))
		}
	}
}

func routeLabel(c *gin.Context) string {
	switch {
	case c.FullPath() != "":
		return c.FullPath()
	case c.GetBool(replicationKey):
		return labelReplication
	}
	return labelUnmatched
}
