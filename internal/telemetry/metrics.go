// Package telemetry exposes the service's Prometheus collectors.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransitionsTotal counts workflow transition attempts by action and
	// outcome ("success" or the error code).
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "travel_workflow_transitions_total",
		Help: "Workflow transition attempts by action and outcome",
	}, []string{"action", "outcome"})

	// ChainBuildSeconds tracks approval chain build duration, including
	// catalog and identity lookups.
	ChainBuildSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "travel_approval_chain_build_seconds",
		Help:    "Approval chain build duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// RemindersSent counts pending-approval reminder events published by
	// the scheduler sweep.
	RemindersSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "travel_approval_reminders_sent_total",
		Help: "Pending-approval reminder notifications published",
	})
)
