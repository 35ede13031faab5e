// Package manager provides agent lifecycle operations and capability-based
// lookup over the registry of known agent types.
package manager

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"hivemind/pkg/config"
	"hivemind/pkg/logx"
	"hivemind/pkg/metrics"
	"hivemind/pkg/persistence"
)

// ErrUnknownAgentType is returned when a spawn names a type missing from the
// capability registry.
var ErrUnknownAgentType = errors.New("unknown agent type")

// minAssignableHealth is the health floor below which an agent is skipped
// during capability lookup.
const minAssignableHealth = 50

// AgentManager spawns and queries agents. The capability registry is
// immutable after construction; all mutable agent state lives in the store.
type AgentManager struct {
	store    *persistence.Store
	registry map[config.AgentType]config.RegistryEntry
	logger   *logx.Logger
}

// NewAgentManager creates a manager over the given store and registry.
func NewAgentManager(store *persistence.Store, registry map[config.AgentType]config.RegistryEntry) *AgentManager {
	return &AgentManager{
		store:    store,
		registry: registry,
		logger:   logx.NewLogger("manager"),
	}
}

// SpawnChildAgent creates a new agent of the given type under a parent.
// Pass nil parentID for root agents. Returns ErrUnknownAgentType when the
// type is not registered.
func (m *AgentManager) SpawnChildAgent(parentID *string, agentType config.AgentType) (*persistence.Agent, error) {
	entry, ok := m.registry[agentType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgentType, agentType)
	}

	now := time.Now().UTC()
	agent := &persistence.Agent{
		ID:                 persistence.GenerateAgentID(),
		Type:               agentType,
		ParentID:           parentID,
		Capabilities:       entry.Capabilities,
		MaxConcurrentTasks: entry.MaxConcurrentTasks,
		Status:             persistence.AgentIdle,
		CurrentWorkload:    0,
		HealthScore:        100,
		LastHeartbeat:      now,
	}
	if err := m.store.InsertAgent(agent); err != nil {
		return nil, logx.Wrap(err, "failed to spawn agent")
	}

	parent := "none"
	if parentID != nil {
		parent = *parentID
	}
	metrics.AgentsSpawned.WithLabelValues(string(agentType)).Inc()
	m.logger.Info("Spawned agent %s type=%s parent=%s", agent.ID, agentType, parent)
	return agent, nil
}

// GetAgent fetches a single agent.
func (m *AgentManager) GetAgent(agentID string) (*persistence.Agent, error) {
	return m.store.GetAgent(agentID)
}

// ListAgents returns agents matching the filter.
func (m *AgentManager) ListAgents(filter *persistence.AgentFilter) ([]*persistence.Agent, error) {
	return m.store.ListAgents(filter)
}

// ActiveAgents returns all idle and busy agents.
func (m *AgentManager) ActiveAgents() ([]*persistence.Agent, error) {
	return m.store.ListAgents(&persistence.AgentFilter{
		Statuses: []persistence.AgentStatus{persistence.AgentIdle, persistence.AgentBusy},
	})
}

// UpdateAgentStatus sets an agent's status. Setting the current status again
// is a no-op, not an error.
func (m *AgentManager) UpdateAgentStatus(agentID string, status persistence.AgentStatus) error {
	if !persistence.IsValidAgentStatus(status) {
		return fmt.Errorf("invalid agent status %q", status)
	}
	return m.store.UpdateAgentStatus(agentID, status)
}

// SetWorkload overwrites an agent's workload counter, recomputing idle/busy.
func (m *AgentManager) SetWorkload(agentID string, workload int) error {
	if workload < 0 {
		return fmt.Errorf("workload must be >= 0, got %d", workload)
	}
	return m.store.SetWorkload(agentID, workload)
}

// UpdateHealthScore writes an absolute health score, clamped to [0,100].
func (m *AgentManager) UpdateHealthScore(agentID string, score int) error {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return m.store.SetHealthScore(agentID, score)
}

// AdjustHealthScore applies a relative health delta, clamped to [0,100].
func (m *AgentManager) AdjustHealthScore(agentID string, delta int) error {
	return m.store.AdjustHealthScore(agentID, delta)
}

// Heartbeat records a liveness signal from an agent.
func (m *AgentManager) Heartbeat(agentID string) error {
	return m.store.TouchHeartbeat(agentID, time.Now().UTC())
}

// StopAgent marks an agent stopped. Stopped is terminal; the row is kept for
// audit and never deleted.
func (m *AgentManager) StopAgent(agentID string) error {
	if err := m.store.UpdateAgentStatus(agentID, persistence.AgentStopped); err != nil {
		return err
	}
	m.logger.Info("Stopped agent %s", agentID)
	return nil
}

// FindAvailableAgents returns agents able to take on work requiring any of
// the given capabilities: status idle or busy, health >= 50, capability set
// intersecting the request, excluding the listed ids. Results are sorted by
// workload ascending then health descending, and filtered once more to
// currentWorkload < maxConcurrentTasks. The sort alone does not guarantee
// capacity, so the final filter is mandatory.
func (m *AgentManager) FindAvailableAgents(capabilities []config.Capability, exclude []string) ([]*persistence.Agent, error) {
	minHealth := minAssignableHealth
	candidates, err := m.store.ListAgents(&persistence.AgentFilter{
		Statuses:       []persistence.AgentStatus{persistence.AgentIdle, persistence.AgentBusy},
		MinHealthScore: &minHealth,
	})
	if err != nil {
		return nil, err
	}

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var matched []*persistence.Agent
	for _, agent := range candidates {
		if excluded[agent.ID] {
			continue
		}
		if !agent.HasAnyCapability(capabilities) {
			continue
		}
		matched = append(matched, agent)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].CurrentWorkload != matched[j].CurrentWorkload {
			return matched[i].CurrentWorkload < matched[j].CurrentWorkload
		}
		return matched[i].HealthScore > matched[j].HealthScore
	})

	var available []*persistence.Agent
	for _, agent := range matched {
		if agent.CurrentWorkload < agent.MaxConcurrentTasks {
			available = append(available, agent)
		}
	}
	return available, nil
}

// FindOrSpawnAgent returns the best available agent for the given
// capabilities, spawning a fresh child of agentType under parentID when
// nobody can take the work. Used by both the orchestrator's delegation path
// and the workload monitor's overflow path.
func (m *AgentManager) FindOrSpawnAgent(capabilities []config.Capability, agentType config.AgentType, parentID *string) (*persistence.Agent, error) {
	available, err := m.FindAvailableAgents(capabilities, nil)
	if err != nil {
		return nil, err
	}
	if len(available) > 0 {
		return available[0], nil
	}
	m.logger.Info("No available agent for %v, spawning %s", capabilities, agentType)
	return m.SpawnChildAgent(parentID, agentType)
}

// PeersOf returns active agents sharing the given agent's type, excluding
// the agent itself.
func (m *AgentManager) PeersOf(agent *persistence.Agent) ([]*persistence.Agent, error) {
	peers, err := m.store.ListAgents(&persistence.AgentFilter{
		Statuses: []persistence.AgentStatus{persistence.AgentIdle, persistence.AgentBusy},
		Type:     &agent.Type,
	})
	if err != nil {
		return nil, err
	}
	var out []*persistence.Agent
	for _, p := range peers {
		if p.ID != agent.ID {
			out = append(out, p)
		}
	}
	return out, nil
}
