// Package metrics exposes Prometheus instrumentation for the control plane
// and a thin client for querying aggregates back out of a Prometheus
// server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FailuresTotal counts recorded agent failures by type and detector.
	FailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hivemind_failures_total",
		Help: "Agent failures recorded, by failure type and detector.",
	}, []string{"failure_type", "detected_by"})

	// RecoveriesTotal counts successful recoveries by method.
	RecoveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hivemind_recoveries_total",
		Help: "Successful agent recoveries, by recovery method.",
	}, []string{"method"})

	// TasksTotal counts task lifecycle events by terminal status.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hivemind_tasks_total",
		Help: "Task lifecycle events, by resulting status.",
	}, []string{"status"})

	// AgentsSpawned counts agent spawns by type.
	AgentsSpawned = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hivemind_agents_spawned_total",
		Help: "Agents spawned, by agent type.",
	}, []string{"agent_type"})

	// AgentHealth tracks each agent's current health score.
	AgentHealth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hivemind_agent_health_score",
		Help: "Current health score per agent, clamped to [0,100].",
	}, []string{"agent_id", "agent_type"})

	// AgentWorkload tracks each agent's utilization percentage.
	AgentWorkload = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hivemind_agent_workload_percent",
		Help: "Current workload percentage per agent.",
	}, []string{"agent_id", "agent_type"})

	// CircuitState tracks the self-healing circuit per process
	// (0 closed, 1 open).
	CircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hivemind_circuit_open",
		Help: "Self-healing circuit state per process (0 closed, 1 open).",
	}, []string{"process"})

	// RouteDuration observes end-to-end routing latency.
	RouteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hivemind_route_duration_seconds",
		Help:    "Latency of message routing, by outcome status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"status"})

	// SweepDuration observes monitor sweep latency per loop.
	SweepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hivemind_sweep_duration_seconds",
		Help:    "Latency of supervision sweeps, by loop name.",
		Buckets: prometheus.DefBuckets,
	}, []string{"loop"})
)
