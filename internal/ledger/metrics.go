package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reserveTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_reserve_total",
		Help: "Total number of successful stock reserve operations",
	})

	releaseTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_release_total",
		Help: "Total number of successful stock release operations",
	})

	confirmTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_confirm_total",
		Help: "Total number of successful stock confirm operations",
	})
)
