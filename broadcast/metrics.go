package broadcast

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vana_events_published_total",
		Help: "Events published per session stream, by event type.",
	}, []string{"type"})

	subscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vana_subscribers_dropped_total",
		Help: "Subscribers dropped for not keeping up with publish rate.",
	})

	activeHubs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vana_active_hubs",
		Help: "Session hubs currently resident in the broadcaster registry.",
	})

	activeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vana_active_subscribers",
		Help: "Stream subscribers currently attached across all sessions.",
	})
)
