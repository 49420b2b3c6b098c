package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lease Metrics
var (
	ActiveLeases = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildfarm_active_leases",
			Help: "Number of leases currently running on this agent",
		},
	)

	LeaseOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildfarm_lease_outcomes_total",
			Help: "Total number of finished leases by task kind and outcome",
		},
		[]string{"kind", "outcome"}, // outcome: Success, Failed, Cancelled
	)

	LeaseDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "buildfarm_lease_duration_seconds",
			Help:    "Wall time spent running a lease",
			Buckets: []float64{0.1, 1, 5, 30, 60, 300, 900, 1800, 3600, 14400},
		},
		[]string{"kind"},
	)

	LeaseReconcileActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildfarm_lease_reconcile_actions_total",
			Help: "Total number of reconcile actions applied to the local lease set",
		},
		[]string{"action"}, // removed, cancelled, started
	)
)

// Session Metrics
var (
	SessionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "buildfarm_sessions_created_total",
			Help: "Total number of sessions created with the coordinator",
		},
	)

	SessionUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildfarm_session_updates_total",
			Help: "Total number of session update round trips",
		},
		[]string{"result"}, // success, failure
	)

	SessionUpdateFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildfarm_session_update_failures_total",
			Help: "Total number of failed session updates by gRPC code",
		},
		[]string{"code"},
	)

	SessionUpdateDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buildfarm_session_update_duration_seconds",
			Help:    "Duration of session update long-polls in seconds",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		},
	)

	AgentStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildfarm_agent_status",
			Help: "Last status reported to the coordinator (0=Ok, 1=Unhealthy, 2=Stopping)",
		},
	)
)

// Step Metrics
var (
	StepOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildfarm_step_outcomes_total",
			Help: "Total number of finished job steps by outcome and state",
		},
		[]string{"outcome", "state"},
	)

	StepAbortsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildfarm_step_aborts_total",
			Help: "Total number of steps aborted by the watchdog",
		},
		[]string{"reason"}, // requested, timeout, poll_failed
	)

	ActiveWatchdogs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "buildfarm_active_watchdogs",
			Help: "Number of step abort watchdogs currently running",
		},
	)

	StepDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "buildfarm_step_duration_seconds",
			Help:    "Duration of job steps in seconds",
			Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600, 7200, 21600, 86400},
		},
	)
)

// Upgrade Metrics
var (
	UpgradeBytesDownloadedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "buildfarm_upgrade_bytes_downloaded_total",
			Help: "Total number of software package bytes downloaded",
		},
	)

	UpgradesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "buildfarm_upgrades_total",
			Help: "Total number of upgrade attempts",
		},
		[]string{"result"}, // staged, skipped, failed
	)
)
