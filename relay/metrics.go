package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sentTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oikion", Subsystem: "relay", Name: "sent_total",
		Help: "Change events published to other processes.",
	})
	receivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oikion", Subsystem: "relay", Name: "received_total",
		Help: "Change events received from other processes.",
	})
	malformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oikion", Subsystem: "relay", Name: "malformed_total",
		Help: "Relayed payloads that could not be used.",
	})
	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oikion", Subsystem: "relay", Name: "reconnects_total",
		Help: "Pub/sub resubscriptions after a dropped connection.",
	})
)
