// Package failure records detected agent failures and runs recovery. Every
// failure event produces its own AgentFailure row; events are not
// deduplicated across detectors, so one outage may yield several rows.
package failure

import (
	"errors"
	"time"

	"hivemind/pkg/logx"
	"hivemind/pkg/manager"
	"hivemind/pkg/metrics"
	"hivemind/pkg/persistence"
	"hivemind/pkg/queue"
)

const (
	failurePenalty = 20 // Health deducted when a failure is recorded
	restartBonus   = 10 // Health restored after a successful restart
)

// Handler classifies failures and applies the matching recovery strategy.
type Handler struct {
	store  *persistence.Store
	agents *manager.AgentManager
	tasks  *queue.TaskQueue
	logger *logx.Logger
}

// NewHandler creates a failure handler.
func NewHandler(store *persistence.Store, agents *manager.AgentManager, tasks *queue.TaskQueue) *Handler {
	return &Handler{
		store:  store,
		agents: agents,
		tasks:  tasks,
		logger: logx.NewLogger("failure"),
	}
}

// RecoveryMethodFor maps a failure type to its recovery strategy. Logic
// errors replace the agent outright since restarting would reproduce the
// same behavior; everything else gets a restart.
func RecoveryMethodFor(ft persistence.FailureType) persistence.RecoveryMethod {
	if ft == persistence.FailureLogicError {
		return persistence.RecoveryReplace
	}
	return persistence.RecoveryRestart
}

// RecordFailure persists a failure event and immediately attempts recovery.
// The agent's in-progress tasks are snapshotted into the failure row before
// any recovery mutates them. Recovery runs synchronously so the caller gets
// the verdict in the return value; it is bounded local work (store updates
// plus task reassignment), never a wait on an external process. Returns the
// failure record; the boolean reports whether recovery succeeded.
func (h *Handler) RecordFailure(agentID string, ft persistence.FailureType, reason, detectedBy string) (*persistence.AgentFailure, bool, error) {
	agent, err := h.store.GetAgent(agentID)
	if err != nil {
		return nil, false, err
	}

	affected, err := h.inProgressTaskIDs(agentID)
	if err != nil {
		return nil, false, err
	}

	record := &persistence.AgentFailure{
		ID:            persistence.GenerateFailureID(),
		AgentID:       agentID,
		ParentID:      agent.ParentID,
		FailureType:   ft,
		FailureReason: reason,
		TasksAffected: affected,
		DetectedBy:    detectedBy,
	}
	if err := h.store.InsertFailure(record); err != nil {
		return nil, false, logx.Wrap(err, "failed to persist failure record")
	}

	if err := h.store.UpdateAgentStatus(agentID, persistence.AgentError); err != nil {
		h.logger.Error("Failed to mark agent %s errored: %v", agentID, err)
	}
	if err := h.store.AdjustHealthScore(agentID, -failurePenalty); err != nil {
		h.logger.Error("Failed to penalize agent %s health: %v", agentID, err)
	}

	metrics.FailuresTotal.WithLabelValues(string(ft), detectedBy).Inc()
	h.logger.Warn("Recorded failure %s: agent=%s type=%s detected_by=%s tasks_affected=%d",
		record.ID, agentID, ft, detectedBy, len(affected))

	recovered := h.recover(record, agent)
	return record, recovered, nil
}

// recover runs the strategy for the failure type and, on success, stamps the
// failure row recovered.
func (h *Handler) recover(record *persistence.AgentFailure, agent *persistence.Agent) bool {
	method := RecoveryMethodFor(record.FailureType)

	var ok bool
	switch method {
	case persistence.RecoveryReplace:
		ok = h.replace(record, agent)
	default:
		ok = h.restart(record, agent)
	}
	if !ok {
		h.logger.Warn("Recovery %s failed for agent %s (failure %s)", method, agent.ID, record.ID)
		return false
	}

	now := time.Now().UTC()
	if err := h.store.MarkFailureRecovered(record.ID, method, now); err != nil {
		h.logger.Error("Failed to mark failure %s recovered: %v", record.ID, err)
		return false
	}
	record.Recovered = true
	record.RecoveryMethod = &method
	record.RecoveryTime = &now
	metrics.RecoveriesTotal.WithLabelValues(string(method)).Inc()
	h.logger.Info("Recovered agent %s via %s (failure %s)", agent.ID, method, record.ID)
	return true
}

// restart reassigns the affected tasks away, then brings the same agent back
// to idle with an empty workload and a partial health refund.
func (h *Handler) restart(record *persistence.AgentFailure, agent *persistence.Agent) bool {
	h.reassignTasks(record.TasksAffected, agent)

	if err := h.store.ResetAgent(agent.ID); err != nil {
		h.logger.Error("Failed to reset agent %s: %v", agent.ID, err)
		return false
	}
	if err := h.store.AdjustHealthScore(agent.ID, restartBonus); err != nil {
		h.logger.Error("Failed to restore agent %s health: %v", agent.ID, err)
	}
	return true
}

// replace retires the failed agent and spawns a fresh one of the same type
// under the same parent. A parentless agent cannot be replaced.
func (h *Handler) replace(record *persistence.AgentFailure, agent *persistence.Agent) bool {
	if agent.ParentID == nil {
		h.logger.Warn("Cannot replace parentless agent %s, manual intervention required", agent.ID)
		return false
	}

	h.reassignTasks(record.TasksAffected, agent)

	replacement, err := h.agents.SpawnChildAgent(agent.ParentID, agent.Type)
	if err != nil {
		h.logger.Error("Failed to spawn replacement for agent %s: %v", agent.ID, err)
		return false
	}
	if err := h.agents.StopAgent(agent.ID); err != nil {
		h.logger.Error("Failed to stop replaced agent %s: %v", agent.ID, err)
		return false
	}
	h.logger.Info("Replaced agent %s with %s", agent.ID, replacement.ID)
	return true
}

// reassignTasks moves each affected task to another capable agent, falling
// back to a retry requeue when no capacity exists anywhere.
func (h *Handler) reassignTasks(taskIDs []string, failed *persistence.Agent) {
	for _, taskID := range taskIDs {
		targets, err := h.agents.FindAvailableAgents(failed.Capabilities, []string{failed.ID})
		if err != nil {
			h.logger.Error("Capability lookup failed while reassigning task %s: %v", taskID, err)
			continue
		}

		if len(targets) > 0 {
			err := h.tasks.ReassignTask(taskID, targets[0].ID)
			if err == nil {
				continue
			}
			if errors.Is(err, queue.ErrTaskNotClaimable) {
				// The task finished while recovery was in flight.
				continue
			}
			h.logger.Warn("Reassigning task %s to %s failed: %v", taskID, targets[0].ID, err)
		}

		if err := h.tasks.RetryTask(taskID); err != nil {
			if errors.Is(err, queue.ErrRetryBudgetExhausted) {
				h.logger.Warn("Task %s dead-lettered during recovery: %v", taskID, err)
			} else {
				h.logger.Error("Failed to requeue task %s: %v", taskID, err)
			}
		}
	}
}

// ListFailures returns the most recent failures for an agent, or all agents
// when agentID is empty.
func (h *Handler) ListFailures(agentID string, limit int) ([]*persistence.AgentFailure, error) {
	return h.store.ListFailures(agentID, limit)
}

func (h *Handler) inProgressTaskIDs(agentID string) ([]string, error) {
	status := persistence.TaskInProgress
	tasks, err := h.store.ListTasks(&persistence.TaskFilter{
		Status:          &status,
		AssignedAgentID: &agentID,
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	return ids, nil
}
