package realtime

import "github.com/prometheus/client_golang/prometheus"

var (
	subscriberCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ujumbe_realtime_subscribers",
			Help: "Currently connected realtime subscribers.",
		},
	)

	eventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ujumbe_realtime_events_published_total",
			Help: "Events accepted by the hub, by type.",
		},
		[]string{"type"},
	)

	eventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ujumbe_realtime_events_dropped_total",
			Help: "Events dropped on full queues or slow consumers, by type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(subscriberCount)
	prometheus.MustRegister(eventsPublished)
	prometheus.MustRegister(eventsDropped)
}
