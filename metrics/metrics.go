package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncCycles counts finished sync cycles per provider and result
	// ("ok", "fetch_failed", "config_failed", "in_flight").
	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgersync_cycles_total",
			Help: "Total number of sync cycles by provider and result",
		},
		[]string{"api_type", "result"},
	)

	SyncRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgersync_records_total",
			Help: "Bet records seen by the sync engine by outcome",
		},
		[]string{"api_type", "outcome"},
	)

	SyncCycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledgersync_cycle_duration_seconds",
			Help:    "Duration of sync cycles in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"api_type"},
	)

	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgersync_provider_requests_total",
			Help: "Outbound provider requests by provider and result",
		},
		[]string{"api_type", "result"},
	)

	BalanceUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgersync_balance_updates_total",
			Help: "Balance writes performed by the sync engine",
		},
		[]string{"api_type", "subject", "result"},
	)

	RateLimitQueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ledgersync_ratelimit_queue_length",
			Help: "Tasks waiting in a provider rate limit queue",
		},
		[]string{"queue"},
	)

	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgersync_session_transitions_total",
			Help: "Game session state transitions",
		},
		[]string{"from", "to"},
	)

	JobSkips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledgersync_job_skips_total",
			Help: "Scheduler ticks dropped because the previous run was still in flight",
		},
		[]string{"job"},
	)
)
