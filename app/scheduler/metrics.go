package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Poll cycles partitioned by outcome (ok, error, panic)
	cyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_cycles_total",
			Help: "Total number of scheduler poll cycles",
		},
		[]string{"result"},
	)

	cycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_cycle_duration_seconds",
			Help:    "Duration of scheduler poll cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	dueEvents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scheduler_due_events",
			Help: "Number of due events returned by the last scan",
		},
	)

	claimConflictsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_claim_conflicts_total",
			Help: "Claims lost to another instance",
		},
	)

	// Recovered stale locks partitioned by the status they were returned to
	recoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_recovered_total",
			Help: "Stale processing locks recovered",
		},
		[]string{"status"},
	)

	// Deliveries partitioned by result (success, retry, failed, skipped)
	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_deliveries_total",
			Help: "Delivery attempts by result",
		},
		[]string{"result"},
	)

	deliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_delivery_duration_seconds",
			Help:    "Duration of send-template calls in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)
)
