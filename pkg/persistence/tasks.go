package persistence

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// InsertTask persists a new task.
func (s *Store) InsertTask(task *Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (
			id, task_type, payload, priority, status,
			assigned_agent_id, parent_task_id, retry_count, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Type, task.Payload, string(task.Priority), string(task.Status),
		task.AssignedAgentID, task.ParentTaskID, task.RetryCount, task.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", task.ID, err)
	}
	return nil
}

const taskColumns = `id, task_type, payload, priority, status,
	assigned_agent_id, parent_task_id, retry_count, created_at, updated_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	task := &Task{}
	var priority, status string
	err := row.Scan(
		&task.ID, &task.Type, &task.Payload, &priority, &status,
		&task.AssignedAgentID, &task.ParentTaskID, &task.RetryCount,
		&task.CreatedAt, &task.UpdatedAt, &task.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	task.Priority = TaskPriority(priority)
	task.Status = TaskStatus(status)
	return task, nil
}

// GetTask fetches a single task by id.
func (s *Store) GetTask(id string) (*Task, error) {
	row := s.db.QueryRow("SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return task, nil
}

// ListTasks returns tasks matching the given filter criteria, critical
// priority first, oldest first within a priority.
func (s *Store) ListTasks(filter *TaskFilter) ([]*Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE 1=1"
	var args []any

	if filter != nil {
		if filter.Status != nil {
			query += " AND status = ?"
			args = append(args, string(*filter.Status))
		}
		if len(filter.Statuses) > 0 {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Statuses)), ",")
			query += fmt.Sprintf(" AND status IN (%s)", placeholders)
			for _, status := range filter.Statuses {
				args = append(args, string(status))
			}
		}
		if filter.AssignedAgentID != nil {
			query += " AND assigned_agent_id = ?"
			args = append(args, *filter.AssignedAgentID)
		}
		if filter.ParentTaskID != nil {
			query += " AND parent_task_id = ?"
			args = append(args, *filter.ParentTaskID)
		}
		if filter.Type != nil {
			query += " AND task_type = ?"
			args = append(args, *filter.Type)
		}
	}

	query += ` ORDER BY CASE priority
		WHEN 'critical' THEN 0
		WHEN 'high' THEN 1
		WHEN 'medium' THEN 2
		ELSE 3
	END, created_at ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return tasks, nil
}

// ClaimTaskForAgent moves a pending task to assigned for the given agent.
// The status condition makes the claim atomic: a task holds at most one
// active assignment even when two assignment cycles race. Returns false when
// the task was not claimable.
func (s *Store) ClaimTaskForAgent(taskID, agentID string) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE tasks SET
			status = 'assigned',
			assigned_agent_id = ?,
			updated_at = ?
		WHERE id = ? AND status = 'pending'
	`, agentID, time.Now().UTC(), taskID)
	if err != nil {
		return false, fmt.Errorf("failed to claim task %s for agent %s: %w", taskID, agentID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// UpdateTaskStatus transitions a task out of an expected status and stamps
// completed_at on terminal states. The status condition makes the move
// atomic, like ClaimTaskForAgent: of two racing transitions only one sees a
// row affected. Returns false when the task was not in the expected status.
// Transition legality is enforced by the queue layer.
func (s *Store) UpdateTaskStatus(taskID string, from, to TaskStatus) (bool, error) {
	var completedAt *time.Time
	switch to {
	case TaskCompleted, TaskFailed, TaskCancelled:
		now := time.Now().UTC()
		completedAt = &now
	}

	result, err := s.db.Exec(`
		UPDATE tasks SET status = ?, updated_at = ?, completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status = ?
	`, string(to), time.Now().UTC(), completedAt, taskID, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update task %s status: %w", taskID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// RequeueTask returns a task to pending with an incremented retry counter and
// no assignment, conditional on its observed status. Used by the retry path
// and by recovery reassignment. Returns false when the task left the expected
// status first.
func (s *Store) RequeueTask(taskID string, from TaskStatus) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE tasks SET
			status = 'pending',
			assigned_agent_id = NULL,
			retry_count = retry_count + 1,
			updated_at = ?
		WHERE id = ? AND status = ?
	`, time.Now().UTC(), taskID, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to requeue task %s: %w", taskID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ReassignTask hands an in-flight task to a different agent without touching
// its retry counter. The status condition keeps a concurrently finished task
// from being dragged back to assigned. Returns false when the task is no
// longer in flight.
func (s *Store) ReassignTask(taskID, agentID string) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE tasks SET
			status = 'assigned',
			assigned_agent_id = ?,
			updated_at = ?
		WHERE id = ? AND status IN ('assigned', 'in_progress')
	`, agentID, time.Now().UTC(), taskID)
	if err != nil {
		return false, fmt.Errorf("failed to reassign task %s to agent %s: %w", taskID, agentID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}
