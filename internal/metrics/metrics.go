// Package metrics provides Prometheus instrumentation for SandMux.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lifecycle metrics.
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sandmux_active_sessions",
		Help: "Number of chat sessions currently in active/idle/paused state.",
	})

	LeaseTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandmux_lease_transitions_total",
		Help: "Total number of lease state machine transitions applied.",
	}, []string{"event_type", "outcome"})

	ReaperClosesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sandmux_reaper_closes_total",
		Help: "Total number of sessions closed by the idle reaper.",
	})
)

// Run streaming metrics.
var (
	RunEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandmux_run_events_total",
		Help: "Total number of run events emitted.",
	}, []string{"event_type"})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sandmux_active_runs",
		Help: "Number of runs currently in flight.",
	})

	StreamConsumers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sandmux_stream_consumers",
		Help: "Number of connected run stream consumers.",
	})
)

// Provider metrics.
var (
	ProviderCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandmux_provider_calls_total",
		Help: "Total number of provider SDK calls.",
	}, []string{"provider", "op", "outcome"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sandmux_webhook_events_total",
		Help: "Total number of provider webhook events ingested.",
	}, []string{"provider", "matched"})
)
