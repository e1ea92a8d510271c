package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oikion", Subsystem: "notifier", Name: "changes_total",
		Help: "Change events published after committed writes.",
	}, []string{"entity_type", "operation"})
	remoteFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oikion", Subsystem: "notifier", Name: "remote_failures_total",
		Help: "Change events a remote publisher failed to forward.",
	}, []string{"publisher"})
)
