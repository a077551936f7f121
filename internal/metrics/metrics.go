// Package metrics exposes Prometheus instrumentation for the reconciliation
// core. Everything is labeled by scope so independent views stay separable.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Fetch metrics
	FetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "reconcile",
			Name:      "fetches_total",
			Help:      "Total number of snapshot fetches by origin and result",
		},
		[]string{"scope", "origin", "result"},
	)

	StaleSnapshotsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "reconcile",
			Name:      "stale_snapshots_total",
			Help:      "Snapshots discarded because a newer sequence number was already applied",
		},
		[]string{"scope"},
	)

	PollingTasks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fleetwatch",
			Subsystem: "reconcile",
			Name:      "polling_tasks",
			Help:      "Number of live polling tasks across all scopes",
		},
	)

	TransientResources = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "fleetwatch",
			Subsystem: "reconcile",
			Name:      "transient_resources",
			Help:      "Resources currently in a transient state per scope",
		},
		[]string{"scope"},
	)

	// Command metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "commands",
			Name:      "total",
			Help:      "Total number of submitted commands by kind and outcome",
		},
		[]string{"scope", "kind", "outcome"},
	)

	StateAnomaliesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fleetwatch",
			Subsystem: "reconcile",
			Name:      "state_anomalies_total",
			Help:      "Resources reporting a state outside the known enumeration",
		},
		[]string{"scope", "kind"},
	)
)

func init() {
	prometheus.MustRegister(
		FetchesTotal,
		StaleSnapshotsTotal,
		PollingTasks,
		TransientResources,
		CommandsTotal,
		StateAnomaliesTotal,
	)
}
