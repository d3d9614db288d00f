package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CommandsHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nildb_commands_handled_total",
			Help: "Total number of bus commands handled, by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nildb_command_duration_seconds",
			Help:    "Command handling duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"command"},
	)

	CommandTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nildb_command_timeouts_total",
			Help: "Number of times the processor stopped waiting for a command handler",
		},
		[]string{"command"},
	)

	LastCommandEnd = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nildb_last_command_end_timestamp",
			Help: "Unix timestamp of when the last command of a type finished",
		},
		[]string{"command"},
	)
)
