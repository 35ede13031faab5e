package persistence

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"hivemind/pkg/config"
)

// Store provides methods for database operations. All monitoring loops share
// one Store; every mutation here must stay safe under concurrent callers, so
// read-modify-write sequences are expressed as conditional SQL updates.
type Store struct {
	db *sql.DB
}

// NewStore creates a new Store instance.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for callers that need raw queries (tests).
func (s *Store) DB() *sql.DB {
	return s.db
}

func marshalCapabilities(caps []config.Capability) (string, error) {
	data, err := json.Marshal(caps)
	if err != nil {
		return "", fmt.Errorf("failed to marshal capabilities: %w", err)
	}
	return string(data), nil
}

func unmarshalCapabilities(raw string) ([]config.Capability, error) {
	var caps []config.Capability
	if err := json.Unmarshal([]byte(raw), &caps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal capabilities: %w", err)
	}
	return caps, nil
}

// InsertAgent persists a freshly spawned agent.
func (s *Store) InsertAgent(agent *Agent) error {
	caps, err := marshalCapabilities(agent.Capabilities)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO agents (
			id, agent_type, parent_id, capabilities, max_concurrent,
			status, current_workload, health_score, last_heartbeat, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if agent.LastHeartbeat.IsZero() {
		agent.LastHeartbeat = now
	}
	_, err = s.db.Exec(query,
		agent.ID, string(agent.Type), agent.ParentID, caps, agent.MaxConcurrentTasks,
		string(agent.Status), agent.CurrentWorkload, agent.HealthScore,
		agent.LastHeartbeat, agent.CreatedAt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to insert agent %s: %w", agent.ID, err)
	}
	return nil
}

const agentColumns = `id, agent_type, parent_id, capabilities, max_concurrent,
	status, current_workload, health_score, last_heartbeat, created_at, updated_at`

func scanAgent(row interface{ Scan(...any) error }) (*Agent, error) {
	agent := &Agent{}
	var caps string
	var agentType string
	var status string
	err := row.Scan(
		&agent.ID, &agentType, &agent.ParentID, &caps, &agent.MaxConcurrentTasks,
		&status, &agent.CurrentWorkload, &agent.HealthScore,
		&agent.LastHeartbeat, &agent.CreatedAt, &agent.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	agent.Type = config.AgentType(agentType)
	agent.Status = AgentStatus(status)
	if agent.Capabilities, err = unmarshalCapabilities(caps); err != nil {
		return nil, err
	}
	return agent, nil
}

// GetAgent fetches a single agent by id.
func (s *Store) GetAgent(id string) (*Agent, error) {
	row := s.db.QueryRow("SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("agent %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %s: %w", id, err)
	}
	return agent, nil
}

// ListAgents returns agents matching the given filter criteria.
func (s *Store) ListAgents(filter *AgentFilter) ([]*Agent, error) {
	query := "SELECT " + agentColumns + " FROM agents WHERE 1=1"
	var args []any

	if filter != nil {
		if len(filter.Statuses) > 0 {
			placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Statuses)), ",")
			query += fmt.Sprintf(" AND status IN (%s)", placeholders)
			for _, status := range filter.Statuses {
				args = append(args, string(status))
			}
		}
		if filter.Type != nil {
			query += " AND agent_type = ?"
			args = append(args, string(*filter.Type))
		}
		if filter.ParentID != nil {
			query += " AND parent_id = ?"
			args = append(args, *filter.ParentID)
		}
		if filter.MinHealthScore != nil {
			query += " AND health_score >= ?"
			args = append(args, *filter.MinHealthScore)
		}
	}

	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return agents, nil
}

// UpdateAgentStatus sets an agent's status. Passing the current status is a
// harmless no-op beyond the updated_at touch.
func (s *Store) UpdateAgentStatus(id string, status AgentStatus) error {
	if !IsValidAgentStatus(status) {
		return fmt.Errorf("invalid agent status: %s", status)
	}
	result, err := s.db.Exec(`
		UPDATE agents SET status = ?, updated_at = ? WHERE id = ?
	`, string(status), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update agent %s status: %w", id, err)
	}
	return requireRow(result, id)
}

// SetWorkload overwrites an agent's workload counter and recomputes the
// idle/busy status for non-errored agents.
func (s *Store) SetWorkload(id string, workload int) error {
	if workload < 0 {
		workload = 0
	}
	result, err := s.db.Exec(`
		UPDATE agents SET
			current_workload = ?,
			status = CASE
				WHEN status IN ('idle','busy') AND ? > 0 THEN 'busy'
				WHEN status IN ('idle','busy') THEN 'idle'
				ELSE status
			END,
			updated_at = ?
		WHERE id = ?
	`, workload, workload, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set workload for agent %s: %w", id, err)
	}
	return requireRow(result, id)
}

// IncrementWorkload atomically claims one unit of agent capacity. It returns
// false when the agent is at its concurrency limit or not assignable; the
// conditional update is what keeps concurrent assignment loops from
// overloading an agent.
func (s *Store) IncrementWorkload(id string) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE agents SET
			current_workload = current_workload + 1,
			status = 'busy',
			updated_at = ?
		WHERE id = ?
		  AND status IN ('idle','busy')
		  AND current_workload < max_concurrent
	`, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to increment workload for agent %s: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// DecrementWorkload releases one unit of capacity, flooring at zero and
// dropping a busy agent back to idle when its last task is released.
func (s *Store) DecrementWorkload(id string) error {
	_, err := s.db.Exec(`
		UPDATE agents SET
			current_workload = MAX(0, current_workload - 1),
			status = CASE
				WHEN status = 'busy' AND current_workload <= 1 THEN 'idle'
				ELSE status
			END,
			updated_at = ?
		WHERE id = ?
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to decrement workload for agent %s: %w", id, err)
	}
	return nil
}

// SetHealthScore writes a health score, clamped to [0,100] in SQL so no
// out-of-range value is ever persisted.
func (s *Store) SetHealthScore(id string, score int) error {
	result, err := s.db.Exec(`
		UPDATE agents SET
			health_score = MAX(0, MIN(100, ?)),
			updated_at = ?
		WHERE id = ?
	`, score, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set health score for agent %s: %w", id, err)
	}
	return requireRow(result, id)
}

// AdjustHealthScore applies a clamped delta as a single conditional update,
// safe under concurrent adjustments from independent detector loops.
func (s *Store) AdjustHealthScore(id string, delta int) error {
	result, err := s.db.Exec(`
		UPDATE agents SET
			health_score = MAX(0, MIN(100, health_score + ?)),
			updated_at = ?
		WHERE id = ?
	`, delta, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to adjust health score for agent %s: %w", id, err)
	}
	return requireRow(result, id)
}

// TouchHeartbeat records a liveness proof for the agent.
func (s *Store) TouchHeartbeat(id string, at time.Time) error {
	result, err := s.db.Exec(`
		UPDATE agents SET last_heartbeat = ?, updated_at = ? WHERE id = ?
	`, at.UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch heartbeat for agent %s: %w", id, err)
	}
	return requireRow(result, id)
}

// ResetAgent returns an agent to idle with an empty workload. Used by the
// restart recovery path.
func (s *Store) ResetAgent(id string) error {
	result, err := s.db.Exec(`
		UPDATE agents SET
			status = 'idle',
			current_workload = 0,
			last_heartbeat = ?,
			updated_at = ?
		WHERE id = ? AND status <> 'stopped'
	`, time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to reset agent %s: %w", id, err)
	}
	return requireRow(result, id)
}

func requireRow(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("agent %s not found", id)
	}
	return nil
}
