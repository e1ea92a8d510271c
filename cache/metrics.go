package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	hitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oikion", Subsystem: "cache", Name: "hits_total",
		Help: "Reads served from a live cache entry.",
	})
	missesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oikion", Subsystem: "cache", Name: "misses_total",
		Help: "Reads that required a computation or joined one.",
	})
	invalidationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oikion", Subsystem: "cache", Name: "invalidations_total",
		Help: "Tag invalidations.",
	})
	timeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "oikion", Subsystem: "cache", Name: "compute_timeouts_total",
		Help: "Computations abandoned after their deadline.",
	})
	sourceFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "oikion", Subsystem: "cache", Name: "source_failures_total",
		Help: "Aggregate sub-sources that failed and fell back to a default.",
	}, []string{"source"})
)
