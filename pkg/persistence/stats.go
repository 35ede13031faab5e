package persistence

import (
	"fmt"
)

// WorkloadStats aggregates fleet utilization for the health API.
type WorkloadStats struct {
	IdleAgents         int     `json:"idle_agents"`
	BusyAgents         int     `json:"busy_agents"`
	ErrorAgents        int     `json:"error_agents"`
	StoppedAgents      int     `json:"stopped_agents"`
	AverageUtilization float64 `json:"average_utilization"` // Mean workload/max across live agents, percent
}

// FailureStats aggregates failure and recovery history for the health API.
type FailureStats struct {
	ByType         map[string]int `json:"by_type"`
	ByRecovery     map[string]int `json:"by_recovery"`
	TotalFailures  int            `json:"total_failures"`
	RecoveredCount int            `json:"recovered_count"`
}

// GetWorkloadStats computes idle/busy counts and average utilization of
// non-stopped agents.
func (s *Store) GetWorkloadStats() (*WorkloadStats, error) {
	stats := &WorkloadStats{}

	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM agents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent status counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		switch AgentStatus(status) {
		case AgentIdle:
			stats.IdleAgents = count
		case AgentBusy:
			stats.BusyAgents = count
		case AgentError:
			stats.ErrorAgents = count
		case AgentStopped:
			stats.StoppedAgents = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	var avg *float64
	err = s.db.QueryRow(`
		SELECT AVG(CAST(current_workload AS REAL) / max_concurrent * 100)
		FROM agents WHERE status IN ('idle','busy')
	`).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("failed to compute average utilization: %w", err)
	}
	if avg != nil {
		stats.AverageUtilization = *avg
	}
	return stats, nil
}

// GetFailureStats aggregates failure counts by type and recovery method.
func (s *Store) GetFailureStats() (*FailureStats, error) {
	stats := &FailureStats{
		ByType:     make(map[string]int),
		ByRecovery: make(map[string]int),
	}

	rows, err := s.db.Query(`SELECT failure_type, COUNT(*) FROM agent_failures GROUP BY failure_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to query failure type counts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var failureType string
		var count int
		if err := rows.Scan(&failureType, &count); err != nil {
			return nil, fmt.Errorf("failed to scan failure type count: %w", err)
		}
		stats.ByType[failureType] = count
		stats.TotalFailures += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	recoveryRows, err := s.db.Query(`
		SELECT recovery_method, COUNT(*) FROM agent_failures
		WHERE recovered = 1 AND recovery_method IS NOT NULL
		GROUP BY recovery_method
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query recovery counts: %w", err)
	}
	defer func() { _ = recoveryRows.Close() }()
	for recoveryRows.Next() {
		var method string
		var count int
		if err := recoveryRows.Scan(&method, &count); err != nil {
			return nil, fmt.Errorf("failed to scan recovery count: %w", err)
		}
		stats.ByRecovery[method] = count
		stats.RecoveredCount += count
	}
	if err := recoveryRows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return stats, nil
}
