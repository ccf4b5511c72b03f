// Copyright 2024-2026 Aiku AI

// Package metrics holds the Prometheus collectors shared by the gatekeeper
// components. They are registered with the default registry and served by
// the admin API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_events_processed_total",
			Help: "Timeline events handled by the event processor",
		},
		[]string{"result"},
	)

	SyncFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_sync_failures_total",
			Help: "Failed long-poll sync calls by outcome",
		},
		[]string{"outcome"},
	)

	TransportRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_transport_retries_total",
			Help: "Outbound requests retried by the transport, by reason",
		},
		[]string{"reason"},
	)

	Commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_commands_total",
			Help: "Command invocations by command name and result",
		},
		[]string{"command", "result"},
	)

	JoinDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_join_decisions_total",
			Help: "Join-alert decisions by action",
		},
		[]string{"action"},
	)

	TxnConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_txn_conflicts_total",
			Help: "Optimistic transactions retried after a commit conflict",
		},
	)

	ScheduledRuns = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_scheduled_runs_total",
			Help: "Scheduled commands replayed",
		},
	)

	LiveRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatekeeper_cached_rooms",
			Help: "Rooms currently mirrored in the room state cache",
		},
	)
)

func init() {
	prometheus.MustRegister(
		EventsProcessed,
		SyncFailures,
		TransportRetries,
		Commands,
		JoinDecisions,
		TxnConflicts,
		ScheduledRuns,
		LiveRooms,
	)
}
