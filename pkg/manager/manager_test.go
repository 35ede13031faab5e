package manager

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"hivemind/pkg/config"
	"hivemind/pkg/persistence"
)

func newTestManager(t *testing.T) (*AgentManager, *persistence.Store, func()) {
	tempDir, err := os.MkdirTemp("", "manager_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	db, err := persistence.InitializeDatabase(filepath.Join(tempDir, "test.db"))
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}
	store := persistence.NewStore(db)
	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}
	return NewAgentManager(store, config.DefaultConfig().Registry), store, cleanup
}

func TestSpawnChildAgent(t *testing.T) {
	m, _, cleanup := newTestManager(t)
	defer cleanup()

	parent, err := m.SpawnChildAgent(nil, config.TypeOrchestrator)
	if err != nil {
		t.Fatalf("Spawn root failed: %v", err)
	}
	if parent.ParentID != nil {
		t.Error("Root agent should have no parent")
	}
	if parent.Status != persistence.AgentIdle || parent.CurrentWorkload != 0 || parent.HealthScore != 100 {
		t.Errorf("Fresh agent not idle/0/100: %s/%d/%d", parent.Status, parent.CurrentWorkload, parent.HealthScore)
	}

	child, err := m.SpawnChildAgent(&parent.ID, config.TypeConversation)
	if err != nil {
		t.Fatalf("Spawn child failed: %v", err)
	}
	if child.ParentID == nil || *child.ParentID != parent.ID {
		t.Error("Child lineage not recorded")
	}
	if !child.HasCapability(config.CapDialogue) {
		t.Error("Child missing registry capabilities")
	}
}

func TestSpawnUnknownTypeFails(t *testing.T) {
	m, _, cleanup := newTestManager(t)
	defer cleanup()

	_, err := m.SpawnChildAgent(nil, config.AgentType("teleporter"))
	if !errors.Is(err, ErrUnknownAgentType) {
		t.Fatalf("Expected ErrUnknownAgentType, got %v", err)
	}
}

func TestUpdateHealthScoreClamps(t *testing.T) {
	m, store, cleanup := newTestManager(t)
	defer cleanup()

	agent, _ := m.SpawnChildAgent(nil, config.TypeConversation)

	if err := m.UpdateHealthScore(agent.ID, 250); err != nil {
		t.Fatalf("UpdateHealthScore failed: %v", err)
	}
	got, _ := store.GetAgent(agent.ID)
	if got.HealthScore != 100 {
		t.Errorf("Expected clamp to 100, got %d", got.HealthScore)
	}

	if err := m.UpdateHealthScore(agent.ID, -50); err != nil {
		t.Fatalf("UpdateHealthScore failed: %v", err)
	}
	got, _ = store.GetAgent(agent.ID)
	if got.HealthScore != 0 {
		t.Errorf("Expected clamp to 0, got %d", got.HealthScore)
	}
}

func TestFindAvailableAgentsFiltersAndSorts(t *testing.T) {
	m, store, cleanup := newTestManager(t)
	defer cleanup()

	// Three dialogue agents with distinct workloads and health.
	busy, _ := m.SpawnChildAgent(nil, config.TypeConversation)
	light, _ := m.SpawnChildAgent(nil, config.TypeConversation)
	unhealthy, _ := m.SpawnChildAgent(nil, config.TypeConversation)
	searcher, _ := m.SpawnChildAgent(nil, config.TypeWebSearch)

	for i := 0; i < 3; i++ {
		if _, err := store.IncrementWorkload(busy.ID); err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
	}
	if err := m.UpdateHealthScore(unhealthy.ID, 40); err != nil {
		t.Fatalf("Health update failed: %v", err)
	}

	available, err := m.FindAvailableAgents([]config.Capability{config.CapDialogue}, nil)
	if err != nil {
		t.Fatalf("FindAvailableAgents failed: %v", err)
	}

	if len(available) != 2 {
		t.Fatalf("Expected 2 available agents, got %d", len(available))
	}
	if available[0].ID != light.ID {
		t.Error("Expected the lightest-loaded agent first")
	}
	for _, a := range available {
		if a.ID == unhealthy.ID {
			t.Error("Agent below the health floor returned")
		}
		if a.ID == searcher.ID {
			t.Error("Agent without a matching capability returned")
		}
	}
}

func TestFindAvailableAgentsNeverReturnsFullAgent(t *testing.T) {
	m, store, cleanup := newTestManager(t)
	defer cleanup()

	agent, _ := m.SpawnChildAgent(nil, config.TypePodcast) // max_concurrent 1
	if _, err := store.IncrementWorkload(agent.ID); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	available, err := m.FindAvailableAgents([]config.Capability{config.CapPodcast}, nil)
	if err != nil {
		t.Fatalf("FindAvailableAgents failed: %v", err)
	}
	for _, a := range available {
		if a.CurrentWorkload >= a.MaxConcurrentTasks {
			t.Errorf("Agent %s returned at full capacity (%d/%d)", a.ID, a.CurrentWorkload, a.MaxConcurrentTasks)
		}
	}
	if len(available) != 0 {
		t.Errorf("Expected no capacity, got %d agents", len(available))
	}
}

func TestFindAvailableAgentsExcludes(t *testing.T) {
	m, _, cleanup := newTestManager(t)
	defer cleanup()

	a, _ := m.SpawnChildAgent(nil, config.TypeConversation)
	b, _ := m.SpawnChildAgent(nil, config.TypeConversation)

	available, err := m.FindAvailableAgents([]config.Capability{config.CapDialogue}, []string{a.ID})
	if err != nil {
		t.Fatalf("FindAvailableAgents failed: %v", err)
	}
	if len(available) != 1 || available[0].ID != b.ID {
		t.Fatalf("Exclusion list not honored")
	}
}

func TestFindOrSpawnAgent(t *testing.T) {
	m, _, cleanup := newTestManager(t)
	defer cleanup()

	root, _ := m.SpawnChildAgent(nil, config.TypeOrchestrator)

	// No finance agent exists yet: one must be spawned.
	spawned, err := m.FindOrSpawnAgent([]config.Capability{config.CapFinance}, config.TypeFinance, &root.ID)
	if err != nil {
		t.Fatalf("FindOrSpawnAgent failed: %v", err)
	}
	if spawned.Type != config.TypeFinance {
		t.Errorf("Expected finance agent, got %s", spawned.Type)
	}

	// Second lookup reuses the existing agent instead of spawning.
	reused, err := m.FindOrSpawnAgent([]config.Capability{config.CapFinance}, config.TypeFinance, &root.ID)
	if err != nil {
		t.Fatalf("FindOrSpawnAgent failed: %v", err)
	}
	if reused.ID != spawned.ID {
		t.Error("Expected the existing agent reused")
	}
}

func TestStopAgentExcludedFromLookup(t *testing.T) {
	m, _, cleanup := newTestManager(t)
	defer cleanup()

	agent, _ := m.SpawnChildAgent(nil, config.TypeConversation)
	if err := m.StopAgent(agent.ID); err != nil {
		t.Fatalf("StopAgent failed: %v", err)
	}

	available, err := m.FindAvailableAgents([]config.Capability{config.CapDialogue}, nil)
	if err != nil {
		t.Fatalf("FindAvailableAgents failed: %v", err)
	}
	if len(available) != 0 {
		t.Error("Stopped agent still returned by capability lookup")
	}
}
