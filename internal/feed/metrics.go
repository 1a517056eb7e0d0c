package feed

import "github.com/prometheus/client_golang/prometheus"

var (
	subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_feed_subscribers",
		Help: "Open change-feed push connections.",
	})

	// events counts frames written to subscribers by event type ("none" when unclassified).
	events = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_feed_events_total",
			Help: "Change-feed messages delivered, by event type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(subscribers, events)
}
