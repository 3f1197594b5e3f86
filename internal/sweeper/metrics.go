package sweeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweeper_runs_total",
		Help: "Total number of sweep passes by outcome",
	}, []string{"status"})

	expiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_expired_reservations_total",
		Help: "Total number of reservations expired by the sweeper",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "sweeper_run_duration_seconds",
		Help:    "Duration of sweep passes in seconds",
		Buckets: prometheus.DefBuckets,
	})
)
