// Package metrics exposes Prometheus instrumentation for the session
// cache, binding reconciler and entitlement sweeper.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session cache metrics
	CacheHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subbridge_session_cache_hits_total",
			Help: "Total number of session cache hits",
		},
	)

	CacheMissesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subbridge_session_cache_misses_total",
			Help: "Total number of session cache misses",
		},
	)

	CacheEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subbridge_session_cache_evictions_total",
			Help: "Total number of cache entries evicted by TTL",
		},
	)

	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "subbridge_session_cache_entries",
			Help: "Number of live session cache entries",
		},
	)

	SessionLoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subbridge_session_logins_total",
			Help: "Total number of panel logins performed by the cache by outcome",
		},
		[]string{"outcome"}, // success, failure
	)

	// Binding reconciliation metrics
	TakeoversTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subbridge_binding_takeovers_total",
			Help: "Total number of email binding takeovers",
		},
	)

	TakeoverDeprovisionFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "subbridge_binding_takeover_deprovision_failures_total",
			Help: "Total number of takeovers where deleting the superseded media account failed",
		},
	)

	// Entitlement sweep metrics
	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subbridge_entitlement_sweep_runs_total",
			Help: "Total number of entitlement sweep runs by outcome",
		},
		[]string{"outcome"}, // completed, skipped_overlap
	)

	SweepDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "subbridge_entitlement_sweep_duration_seconds",
			Help:    "Duration of entitlement sweep runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		},
	)

	SweepRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subbridge_entitlement_sweep_records_total",
			Help: "Total number of records examined by the sweeper by result",
		},
		[]string{"result"}, // skipped, validated, deprovisioned, login_failed, error
	)

	MediaAccountsDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subbridge_media_accounts_deleted_total",
			Help: "Total number of media accounts deleted by cause",
		},
		[]string{"cause"}, // entitlement, takeover, user_request
	)
)
