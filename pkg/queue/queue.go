// Package queue owns the task lifecycle. All state transitions go through
// here so the pending → assigned → in_progress → terminal ordering is
// enforced in one place; the store only provides the atomic primitives.
package queue

import (
	"errors"
	"fmt"

	"hivemind/pkg/config"
	"hivemind/pkg/logx"
	"hivemind/pkg/metrics"
	"hivemind/pkg/persistence"
)

var (
	// ErrAgentAtCapacity is returned when assignment would exceed the
	// agent's concurrency limit.
	ErrAgentAtCapacity = errors.New("agent at capacity")
	// ErrTaskNotClaimable is returned when a task is no longer pending at
	// assignment time, typically because a concurrent cycle claimed it.
	ErrTaskNotClaimable = errors.New("task not claimable")
	// ErrRetryBudgetExhausted is returned when a task has used up its retry
	// budget and has been dead-lettered as failed.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	// ErrStatusChanged is returned when a task left its observed status
	// between validation and the conditional update. The concurrent winner
	// owns the transition; the loser must not retry blindly.
	ErrStatusChanged = errors.New("task status changed concurrently")
)

// validTransitions encodes the task state machine. Retry is handled
// separately because it moves a task backwards to pending.
var validTransitions = map[persistence.TaskStatus][]persistence.TaskStatus{
	persistence.TaskPending:    {persistence.TaskAssigned, persistence.TaskCancelled},
	persistence.TaskAssigned:   {persistence.TaskInProgress, persistence.TaskFailed, persistence.TaskCancelled},
	persistence.TaskInProgress: {persistence.TaskCompleted, persistence.TaskFailed, persistence.TaskCancelled},
}

// TaskQueue creates, assigns, and transitions tasks backed by the durable
// store.
type TaskQueue struct {
	store  *persistence.Store
	cfg    config.QueueConfig
	logger *logx.Logger
}

// NewTaskQueue creates a task queue over the given store.
func NewTaskQueue(store *persistence.Store, cfg config.QueueConfig) *TaskQueue {
	return &TaskQueue{
		store:  store,
		cfg:    cfg,
		logger: logx.NewLogger("queue"),
	}
}

// CreateTask persists a new pending task and returns it.
func (q *TaskQueue) CreateTask(taskType, payload string, priority persistence.TaskPriority, parentTaskID *string) (*persistence.Task, error) {
	task := &persistence.Task{
		ID:           persistence.GenerateTaskID(),
		Type:         taskType,
		Payload:      payload,
		Priority:     priority,
		Status:       persistence.TaskPending,
		ParentTaskID: parentTaskID,
	}
	if err := q.store.InsertTask(task); err != nil {
		return nil, logx.Wrap(err, "failed to create task")
	}
	q.logger.Info("Created task %s type=%s priority=%s", task.ID, taskType, priority)
	return task, nil
}

// GetTask fetches a single task.
func (q *TaskQueue) GetTask(taskID string) (*persistence.Task, error) {
	return q.store.GetTask(taskID)
}

// GetTasks returns tasks matching the filter, highest priority first.
func (q *TaskQueue) GetTasks(filter *persistence.TaskFilter) ([]*persistence.Task, error) {
	return q.store.ListTasks(filter)
}

// PendingTasks returns all unassigned pending tasks, highest priority first.
func (q *TaskQueue) PendingTasks() ([]*persistence.Task, error) {
	status := persistence.TaskPending
	return q.store.ListTasks(&persistence.TaskFilter{Status: &status})
}

// AssignTask hands a pending task to an agent. The agent's workload slot is
// reserved first with an atomic conditional increment; only if that succeeds
// is the task claimed, and the slot is released again if the claim loses a
// race. A task holds at most one active assignment.
func (q *TaskQueue) AssignTask(taskID, agentID string) error {
	reserved, err := q.store.IncrementWorkload(agentID)
	if err != nil {
		return logx.Wrap(err, fmt.Sprintf("failed to reserve slot on agent %s", agentID))
	}
	if !reserved {
		return fmt.Errorf("%w: agent %s", ErrAgentAtCapacity, agentID)
	}

	claimed, err := q.store.ClaimTaskForAgent(taskID, agentID)
	if err != nil {
		_ = q.store.DecrementWorkload(agentID)
		return logx.Wrap(err, fmt.Sprintf("failed to claim task %s", taskID))
	}
	if !claimed {
		if derr := q.store.DecrementWorkload(agentID); derr != nil {
			q.logger.Error("Failed to release slot on agent %s: %v", agentID, derr)
		}
		return fmt.Errorf("%w: task %s", ErrTaskNotClaimable, taskID)
	}

	q.logger.Info("Assigned task %s to agent %s", taskID, agentID)
	return nil
}

// MarkInProgress moves an assigned task to in_progress.
func (q *TaskQueue) MarkInProgress(taskID string) error {
	return q.transition(taskID, persistence.TaskInProgress)
}

// CompleteTask marks an in_progress task completed and releases the agent's
// workload slot.
func (q *TaskQueue) CompleteTask(taskID string) error {
	task, err := q.transitionReturning(taskID, persistence.TaskCompleted)
	if err != nil {
		return err
	}
	q.releaseSlot(task)
	return nil
}

// FailTask marks a task failed and releases the agent's workload slot. The
// task stays queryable for recovery history; it is never deleted.
func (q *TaskQueue) FailTask(taskID string) error {
	task, err := q.transitionReturning(taskID, persistence.TaskFailed)
	if err != nil {
		return err
	}
	q.releaseSlot(task)
	return nil
}

// CancelTask cancels a task from any non-terminal state.
func (q *TaskQueue) CancelTask(taskID string) error {
	task, err := q.transitionReturning(taskID, persistence.TaskCancelled)
	if err != nil {
		return err
	}
	q.releaseSlot(task)
	return nil
}

// RetryTask returns a failed or assigned task to pending with retryCount+1
// so the next assignment cycle can pick it up. Once the retry budget is
// spent the task is dead-lettered as failed and ErrRetryBudgetExhausted is
// returned.
func (q *TaskQueue) RetryTask(taskID string) error {
	task, err := q.store.GetTask(taskID)
	if err != nil {
		return err
	}

	switch task.Status {
	case persistence.TaskFailed, persistence.TaskAssigned, persistence.TaskInProgress:
	default:
		return fmt.Errorf("cannot retry task %s in status %s", taskID, task.Status)
	}

	if task.RetryCount >= q.cfg.MaxRetries {
		q.logger.Warn("Task %s exhausted %d retries, dead-lettering", taskID, task.RetryCount)
		if task.Status != persistence.TaskFailed {
			moved, err := q.store.UpdateTaskStatus(taskID, task.Status, persistence.TaskFailed)
			if err != nil {
				return err
			}
			// Only the winner of the transition releases the slot.
			if moved {
				q.releaseSlot(task)
			}
		}
		return fmt.Errorf("%w: task %s after %d attempts", ErrRetryBudgetExhausted, taskID, task.RetryCount)
	}

	requeued, err := q.store.RequeueTask(taskID, task.Status)
	if err != nil {
		return err
	}
	if !requeued {
		return fmt.Errorf("%w: task %s no longer %s", ErrStatusChanged, taskID, task.Status)
	}
	if task.Status != persistence.TaskFailed {
		q.releaseSlot(task)
	}
	q.logger.Info("Requeued task %s (retry %d)", taskID, task.RetryCount+1)
	return nil
}

// ReassignTask hands an in-flight task to a new agent during failure
// recovery, reserving a slot on the new agent. The failed agent's workload
// is reset separately by the recovery path.
func (q *TaskQueue) ReassignTask(taskID, agentID string) error {
	reserved, err := q.store.IncrementWorkload(agentID)
	if err != nil {
		return logx.Wrap(err, fmt.Sprintf("failed to reserve slot on agent %s", agentID))
	}
	if !reserved {
		return fmt.Errorf("%w: agent %s", ErrAgentAtCapacity, agentID)
	}
	moved, err := q.store.ReassignTask(taskID, agentID)
	if err != nil {
		_ = q.store.DecrementWorkload(agentID)
		return err
	}
	if !moved {
		if derr := q.store.DecrementWorkload(agentID); derr != nil {
			q.logger.Error("Failed to release slot on agent %s: %v", agentID, derr)
		}
		return fmt.Errorf("%w: task %s", ErrTaskNotClaimable, taskID)
	}
	q.logger.Info("Reassigned task %s to agent %s", taskID, agentID)
	return nil
}

func (q *TaskQueue) transition(taskID string, to persistence.TaskStatus) error {
	_, err := q.transitionReturning(taskID, to)
	return err
}

// transitionReturning validates the state machine and applies the move,
// returning the task as it was before the transition.
func (q *TaskQueue) transitionReturning(taskID string, to persistence.TaskStatus) (*persistence.Task, error) {
	task, err := q.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if !transitionAllowed(task.Status, to) {
		return nil, fmt.Errorf("invalid transition for task %s: %s -> %s", taskID, task.Status, to)
	}
	moved, err := q.store.UpdateTaskStatus(taskID, task.Status, to)
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("%w: task %s no longer %s", ErrStatusChanged, taskID, task.Status)
	}
	switch to {
	case persistence.TaskCompleted, persistence.TaskFailed, persistence.TaskCancelled:
		metrics.TasksTotal.WithLabelValues(string(to)).Inc()
	}
	return task, nil
}

func (q *TaskQueue) releaseSlot(task *persistence.Task) {
	if task.AssignedAgentID == nil {
		return
	}
	if err := q.store.DecrementWorkload(*task.AssignedAgentID); err != nil {
		q.logger.Error("Failed to release slot on agent %s: %v", *task.AssignedAgentID, err)
	}
}

func transitionAllowed(from, to persistence.TaskStatus) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
