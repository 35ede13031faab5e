package persistence

import (
	"fmt"
)

// SetMonitorTargets replaces the outgoing monitoring links of monitorID.
// The mutual monitoring service recomputes chains each pass, so replace
// semantics keep the table consistent with the live pairing.
func (s *Store) SetMonitorTargets(monitorID string, targetIDs []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec("DELETE FROM agent_monitors WHERE monitor_id = ?", monitorID); err != nil {
		return fmt.Errorf("failed to clear monitor links for %s: %w", monitorID, err)
	}
	for _, targetID := range targetIDs {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO agent_monitors (monitor_id, target_id) VALUES (?, ?)",
			monitorID, targetID,
		); err != nil {
			return fmt.Errorf("failed to add monitor link %s -> %s: %w", monitorID, targetID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit monitor links: %w", err)
	}
	return nil
}

// MonitorsOf returns the ids of agents watching targetID.
func (s *Store) MonitorsOf(targetID string) ([]string, error) {
	return s.queryMonitorColumn(
		"SELECT monitor_id FROM agent_monitors WHERE target_id = ?", targetID)
}

// TargetsOf returns the ids of agents watched by monitorID.
func (s *Store) TargetsOf(monitorID string) ([]string, error) {
	return s.queryMonitorColumn(
		"SELECT target_id FROM agent_monitors WHERE monitor_id = ?", monitorID)
}

func (s *Store) queryMonitorColumn(query, id string) ([]string, error) {
	rows, err := s.db.Query(query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query monitor links: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var linked string
		if err := rows.Scan(&linked); err != nil {
			return nil, fmt.Errorf("failed to scan monitor link: %w", err)
		}
		ids = append(ids, linked)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return ids, nil
}
