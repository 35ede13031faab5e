package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// InsertFailure persists a detected failure event.
func (s *Store) InsertFailure(failure *AgentFailure) error {
	affected, err := json.Marshal(failure.TasksAffected)
	if err != nil {
		return fmt.Errorf("failed to marshal affected tasks: %w", err)
	}
	if failure.CreatedAt.IsZero() {
		failure.CreatedAt = time.Now().UTC()
	}

	var method *string
	if failure.RecoveryMethod != nil {
		m := string(*failure.RecoveryMethod)
		method = &m
	}

	_, err = s.db.Exec(`
		INSERT INTO agent_failures (
			id, agent_id, parent_id, failure_type, failure_reason,
			tasks_affected, detected_by, recovered, recovery_method, recovery_time, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, failure.ID, failure.AgentID, failure.ParentID, string(failure.FailureType),
		failure.FailureReason, string(affected), failure.DetectedBy,
		failure.Recovered, method, failure.RecoveryTime, failure.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert failure %s: %w", failure.ID, err)
	}
	return nil
}

// MarkFailureRecovered records a successful recovery on the failure row.
func (s *Store) MarkFailureRecovered(failureID string, method RecoveryMethod, at time.Time) error {
	result, err := s.db.Exec(`
		UPDATE agent_failures SET
			recovered = 1,
			recovery_method = ?,
			recovery_time = ?
		WHERE id = ?
	`, string(method), at.UTC(), failureID)
	if err != nil {
		return fmt.Errorf("failed to mark failure %s recovered: %w", failureID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("failure %s not found", failureID)
	}
	return nil
}

const failureColumns = `id, agent_id, parent_id, failure_type, failure_reason,
	tasks_affected, detected_by, recovered, recovery_method, recovery_time, created_at`

func scanFailure(row interface{ Scan(...any) error }) (*AgentFailure, error) {
	failure := &AgentFailure{}
	var failureType, affected string
	var method sql.NullString
	err := row.Scan(
		&failure.ID, &failure.AgentID, &failure.ParentID, &failureType,
		&failure.FailureReason, &affected, &failure.DetectedBy,
		&failure.Recovered, &method, &failure.RecoveryTime, &failure.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	failure.FailureType = FailureType(failureType)
	if method.Valid {
		m := RecoveryMethod(method.String)
		failure.RecoveryMethod = &m
	}
	if err := json.Unmarshal([]byte(affected), &failure.TasksAffected); err != nil {
		return nil, fmt.Errorf("failed to unmarshal affected tasks: %w", err)
	}
	return failure, nil
}

// GetFailure fetches a single failure record by id.
func (s *Store) GetFailure(id string) (*AgentFailure, error) {
	row := s.db.QueryRow("SELECT "+failureColumns+" FROM agent_failures WHERE id = ?", id)
	failure, err := scanFailure(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("failure %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failure %s: %w", id, err)
	}
	return failure, nil
}

// ListFailures returns failure history, newest first. agentID narrows the
// query to one agent; limit <= 0 means no limit.
func (s *Store) ListFailures(agentID string, limit int) ([]*AgentFailure, error) {
	query := "SELECT " + failureColumns + " FROM agent_failures"
	var args []any
	if agentID != "" {
		query += " WHERE agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query failures: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var failures []*AgentFailure
	for rows.Next() {
		failure, err := scanFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan failure: %w", err)
		}
		failures = append(failures, failure)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return failures, nil
}
