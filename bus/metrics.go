package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oikion",
		Subsystem: "bus",
		Name:      "published_total",
		Help:      "Change events published to the bus.",
	})
	deliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oikion",
		Subsystem: "bus",
		Name:      "delivered_total",
		Help:      "Change events handled successfully by subscribers.",
	})
	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oikion",
		Subsystem: "bus",
		Name:      "dropped_total",
		Help:      "Change events not delivered, by reason.",
	}, []string{"reason"})
	subscriberFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oikion",
		Subsystem: "bus",
		Name:      "subscriber_failures_total",
		Help:      "Subscriber handlers that returned an error or panicked.",
	})
	subscriptionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "oikion",
		Subsystem: "bus",
		Name:      "subscriptions",
		Help:      "Currently registered subscriptions.",
	})
)
