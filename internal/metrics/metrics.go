package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CheckoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "martpos",
		Name:      "checkouts_total",
		Help:      "Finalized checkouts by payment method.",
	}, []string{"payment_method"})

	AllocationFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "martpos",
		Name:      "allocation_failures_total",
		Help:      "Checkouts rejected because stock could not cover a line.",
	})

	ReturnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "martpos",
		Name:      "returns_total",
		Help:      "Processed item returns.",
	})

	ConflictRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "martpos",
		Name:      "conflict_retries_total",
		Help:      "Store transactions retried after a serialization conflict.",
	})

	ShiftDiscrepancyCents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "martpos",
		Name:      "shift_discrepancy_cents",
		Help:      "Cash discrepancy recorded at the last shift close per terminal.",
	}, []string{"terminal_id"})
)
