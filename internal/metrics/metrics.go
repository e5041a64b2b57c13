// Package metrics exposes prometheus instrumentation for the workflow
// core. Metrics hang off an injected registry so tests and embedders
// can isolate their own.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the core's prometheus collectors.
type Metrics struct {
	// WorkflowIterations counts controller steps per workflow outcome.
	WorkflowIterations *prometheus.CounterVec
	// NodeExecutions counts node runs by node name and status.
	NodeExecutions *prometheus.CounterVec
	// NodeDuration observes node execution time.
	NodeDuration *prometheus.HistogramVec
	// BudgetReservations counts reservation attempts by outcome.
	BudgetReservations *prometheus.CounterVec
	// BudgetAlerts counts threshold alerts by budget type.
	BudgetAlerts *prometheus.CounterVec
	// TokensUsed counts tokens recorded by agent.
	TokensUsed *prometheus.CounterVec
	// CheckpointsSaved counts checkpoint writes.
	CheckpointsSaved prometheus.Counter
	// CheckpointsCleaned counts checkpoints removed by retention cleanup.
	CheckpointsCleaned prometheus.Counter
	// Deviations counts deviation analyses by outcome (routed, escalated).
	Deviations *prometheus.CounterVec
	// Escalations counts human escalations by reason.
	Escalations *prometheus.CounterVec
	// ActiveWorkflows tracks workflows currently executing.
	ActiveWorkflows prometheus.Gauge
}

// New registers the core's collectors on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		WorkflowIterations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atelier_workflow_iterations_total",
				Help: "Total controller iterations across workflows",
			},
			[]string{"workflow_id"},
		),
		NodeExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atelier_node_executions_total",
				Help: "Total node executions",
			},
			[]string{"node", "status"},
		),
		NodeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "atelier_node_duration_seconds",
				Help:    "Node execution duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"node"},
		),
		BudgetReservations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atelier_budget_reservations_total",
				Help: "Total budget reservation attempts",
			},
			[]string{"budget_type", "outcome"},
		),
		BudgetAlerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atelier_budget_alerts_total",
				Help: "Total budget threshold alerts",
			},
			[]string{"budget_type"},
		),
		TokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atelier_tokens_used_total",
				Help: "Total tokens recorded, attributed per agent",
			},
			[]string{"agent"},
		),
		CheckpointsSaved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "atelier_checkpoints_saved_total",
				Help: "Total checkpoints written",
			},
		),
		CheckpointsCleaned: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "atelier_checkpoints_cleaned_total",
				Help: "Total checkpoints removed by retention cleanup",
			},
		),
		Deviations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atelier_deviations_total",
				Help: "Total deviation analyses",
			},
			[]string{"outcome"},
		),
		Escalations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "atelier_escalations_total",
				Help: "Total human escalations",
			},
			[]string{"reason"},
		),
		ActiveWorkflows: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "atelier_active_workflows",
				Help: "Number of workflows currently executing",
			},
		),
	}
}

// NewNop returns metrics bound to a throwaway registry, for tests and
// callers that do not scrape.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
