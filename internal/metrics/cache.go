package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuilderCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nildb_builder_cache_lookups_total",
			Help: "Total number of builder directory cache lookups",
		},
		[]string{"result"},
	)

	ValidatorCacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nildb_validator_cache_lookups_total",
			Help: "Total number of compiled schema validator cache lookups",
		},
		[]string{"result"},
	)
)

// CacheResult is the label value of a cache lookup.
func CacheResult(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
