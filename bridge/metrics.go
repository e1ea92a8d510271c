package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mountsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oikion", Subsystem: "bridge", Name: "mounts_total",
		Help: "Bridge subscriptions registered.",
	})
	coalescedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oikion", Subsystem: "bridge", Name: "coalesced_events_total",
		Help: "Events folded into an already pending refresh.",
	})
	refreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oikion", Subsystem: "bridge", Name: "refreshes_total",
		Help: "Debounced refreshes by result.",
	}, []string{"result"})
)
