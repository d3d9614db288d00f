package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RecordsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nildb_records_written_total",
			Help: "Records created, updated or deleted, by operation",
		},
		[]string{"operation"},
	)

	RecordsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "nildb_records_rejected_total",
			Help: "Records rejected by schema validation",
		},
	)
)
