// Package monitor contains the periodic supervision loops: workload
// rebalancing, mutual peer monitoring, and the critical-agent watchdog.
// Each loop exposes a single Sweep method driven by the shared scheduler,
// so tests can run sweeps directly without waiting on wall-clock time.
package monitor

import (
	"context"
	"errors"
	"time"

	"hivemind/pkg/config"
	"hivemind/pkg/logx"
	"hivemind/pkg/manager"
	"hivemind/pkg/metrics"
	"hivemind/pkg/persistence"
	"hivemind/pkg/queue"
	"hivemind/pkg/sched"
)

// WorkloadMonitor watches agent utilization and relieves overloaded agents
// by delegating pending work to peers or a freshly spawned child.
type WorkloadMonitor struct {
	agents *manager.AgentManager
	tasks  *queue.TaskQueue
	cfg    config.WorkloadConfig
	logger *logx.Logger
}

// NewWorkloadMonitor creates a workload monitor.
func NewWorkloadMonitor(agents *manager.AgentManager, tasks *queue.TaskQueue, cfg config.WorkloadConfig) *WorkloadMonitor {
	return &WorkloadMonitor{
		agents: agents,
		tasks:  tasks,
		cfg:    cfg,
		logger: logx.NewLogger("workload"),
	}
}

// Schedule registers the monitor's periodic sweep.
func (w *WorkloadMonitor) Schedule(s *sched.Scheduler) *sched.Job {
	return s.ScheduleEvery("workload-sweep", w.cfg.Interval.Std(), w.Sweep)
}

// Sweep examines every active agent's utilization. At the critical
// threshold it delegates the pending backlog; at the high threshold it only
// logs.
func (w *WorkloadMonitor) Sweep(ctx context.Context) {
	defer observeSweep("workload", time.Now())

	agents, err := w.agents.ActiveAgents()
	if err != nil {
		w.logger.Error("Failed to list active agents: %v", err)
		return
	}

	for _, agent := range agents {
		pct := agent.WorkloadPercent()
		metrics.AgentWorkload.WithLabelValues(agent.ID, string(agent.Type)).Set(pct)
		metrics.AgentHealth.WithLabelValues(agent.ID, string(agent.Type)).Set(float64(agent.HealthScore))
		switch {
		case pct >= float64(w.cfg.CriticalPercent):
			w.logger.Warn("Agent %s at %.0f%% utilization, delegating backlog", agent.ID, pct)
			w.delegate(agent)
		case pct >= float64(w.cfg.HighPercent):
			w.logger.Warn("Agent %s at %.0f%% utilization", agent.ID, pct)
		}
	}
}

// delegate offloads pending work an overloaded agent would otherwise
// absorb. Peers of the same type take the backlog round-robin; when none
// exist and the agent has a parent, exactly one child is spawned and handed
// a capped slice of the backlog.
func (w *WorkloadMonitor) delegate(agent *persistence.Agent) {
	pending, err := w.backlogFor(agent)
	if err != nil {
		w.logger.Error("Failed to fetch backlog for agent %s: %v", agent.ID, err)
		return
	}
	if len(pending) == 0 {
		return
	}

	peers, err := w.agents.PeersOf(agent)
	if err != nil {
		w.logger.Error("Failed to find peers of agent %s: %v", agent.ID, err)
		return
	}

	if len(peers) == 0 {
		if agent.ParentID == nil {
			w.logger.Warn("Agent %s overloaded with no peers and no parent, leaving backlog queued", agent.ID)
			return
		}
		child, err := w.agents.SpawnChildAgent(agent.ParentID, agent.Type)
		if err != nil {
			w.logger.Error("Failed to spawn relief child for agent %s: %v", agent.ID, err)
			return
		}
		// A fresh agent gets a capped handoff so it is not immediately
		// overloaded itself.
		handoff := pending
		if len(handoff) > w.cfg.SpawnHandoff {
			handoff = handoff[:w.cfg.SpawnHandoff]
		}
		for _, task := range handoff {
			w.assign(task.ID, child.ID)
		}
		w.logger.Info("Spawned child %s for agent %s, handed %d tasks", child.ID, agent.ID, len(handoff))
		return
	}

	assigned := 0
	for i, task := range pending {
		if w.assign(task.ID, peers[i%len(peers)].ID) {
			assigned++
		}
	}
	w.logger.Info("Delegated %d/%d pending tasks across %d peers of agent %s",
		assigned, len(pending), len(peers), agent.ID)
}

func observeSweep(loop string, start time.Time) {
	metrics.SweepDuration.WithLabelValues(loop).Observe(time.Since(start).Seconds())
}

func (w *WorkloadMonitor) assign(taskID, agentID string) bool {
	err := w.tasks.AssignTask(taskID, agentID)
	if err == nil {
		return true
	}
	if errors.Is(err, queue.ErrAgentAtCapacity) || errors.Is(err, queue.ErrTaskNotClaimable) {
		w.logger.Debug("Skipping delegation of task %s to %s: %v", taskID, agentID, err)
	} else {
		w.logger.Error("Failed to delegate task %s to %s: %v", taskID, agentID, err)
	}
	return false
}

// backlogFor returns unassigned pending tasks the agent's capability set
// could serve.
func (w *WorkloadMonitor) backlogFor(agent *persistence.Agent) ([]*persistence.Task, error) {
	pending, err := w.tasks.PendingTasks()
	if err != nil {
		return nil, err
	}
	var backlog []*persistence.Task
	for _, task := range pending {
		if task.AssignedAgentID != nil && *task.AssignedAgentID != agent.ID {
			continue
		}
		backlog = append(backlog, task)
	}
	return backlog, nil
}
