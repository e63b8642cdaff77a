package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RefreshOutcomes tracks coordinated refreshes by provider and outcome
	RefreshOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connwatch_refresh_outcomes_total",
			Help: "Total number of coordinated token refreshes by outcome",
		},
		[]string{"provider", "outcome", "error_kind"},
	)

	// RefreshLatency tracks provider refresh call latency
	RefreshLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "connwatch_refresh_latency_seconds",
			Help:    "Provider token refresh latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// LockContention tracks refreshes that found the lock already held
	LockContention = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connwatch_refresh_lock_contention_total",
			Help: "Total number of refresh attempts that waited on another holder",
		},
		[]string{"provider"},
	)

	// RefreshInFlight tracks refreshes currently holding the lock in this process
	RefreshInFlight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "connwatch_refresh_in_flight",
			Help: "Refreshes currently in the REFRESHING state",
		},
		[]string{"provider"},
	)

	// Validations tracks live validations by resulting status
	Validations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connwatch_validations_total",
			Help: "Total number of live health validations",
		},
		[]string{"provider", "status"},
	)

	// TierLatency tracks per-tier validation latency
	TierLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "connwatch_validation_tier_latency_seconds",
			Help:    "Validation tier latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "tier"},
	)

	// CacheLookups tracks health cache hits and misses
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connwatch_health_cache_lookups_total",
			Help: "Health cache lookups by result",
		},
		[]string{"result"},
	)

	// RateLimited tracks requests that were refused a live check
	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connwatch_rate_limited_total",
			Help: "Health requests served without a live check because of rate limiting",
		},
		[]string{"provider", "served"},
	)

	// RenewalScheduled tracks proactive refresh scheduling decisions
	RenewalScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connwatch_renewal_scheduled_total",
			Help: "Proactive refresh jobs by dispatch mode",
		},
		[]string{"mode"},
	)

	// RenewalJobs tracks executed refresh jobs by final handling
	RenewalJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connwatch_renewal_jobs_total",
			Help: "Executed background refresh jobs by handling",
		},
		[]string{"provider", "handling"},
	)

	// NotificationsSent tracks user notifications that passed the throttle
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connwatch_notifications_total",
			Help: "User notifications sent, by error kind",
		},
		[]string{"kind"},
	)

	// HealthTransitions tracks consolidated status changes
	HealthTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connwatch_health_transitions_total",
			Help: "Consolidated health status transitions",
		},
		[]string{"from", "to"},
	)

	// ScheduledJobRuns tracks cron job executions
	ScheduledJobRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connwatch_cron_runs_total",
			Help: "Cron job runs by result",
		},
		[]string{"job", "result"},
	)

	// ProviderCalls tracks provider API calls by operation and result
	ProviderCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connwatch_provider_calls_total",
			Help: "Provider API calls by operation and result",
		},
		[]string{"provider", "op", "result"},
	)

	// ProviderCallLatency tracks provider API call latency
	ProviderCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "connwatch_provider_call_latency_seconds",
			Help:    "Provider API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "op"},
	)

	// ProviderStatus is 0 healthy, 1 degraded, 2 throttled, 3 blocked
	ProviderStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "connwatch_provider_status",
			Help: "Observed provider status derived from recent calls",
		},
		[]string{"provider"},
	)

	// DBConnectionPoolUsage tracks DB connection pool usage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "connwatch_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
