package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReconcileFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nildb_reconcile_failed_total",
			Help: "Total number of failed reconciliation runs",
		},
	)

	ReconcileCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nildb_reconcile_count_total",
			Help: "Total number of reconciliation runs",
		},
	)

	ReconcileRepairs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nildb_reconcile_repairs_total",
			Help: "Owner references repaired by reconciliation",
		},
		[]string{"action"},
	)

	ReconcileDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nildb_reconcile_duration_seconds",
			Help:    "Reconciliation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)

	LastReconcileStart = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nildb_last_reconcile_start_timestamp",
			Help: "Unix timestamp of when the last reconciliation started",
		},
	)

	LastReconcileEnd = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "nildb_last_reconcile_end_timestamp",
			Help: "Unix timestamp of when the last reconciliation ended",
		},
	)
)
