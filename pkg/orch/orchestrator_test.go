package orch

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"hivemind/pkg/config"
	"hivemind/pkg/manager"
	"hivemind/pkg/persistence"
	"hivemind/pkg/queue"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *manager.AgentManager, *persistence.Store, func()) {
	tempDir, err := os.MkdirTemp("", "orch_test")
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

	cfg := config.DefaultConfig()
	agents := manager.NewAgentManager(store, cfg.Registry)
	tasks := queue.NewTaskQueue(store, cfg.Queue)
	o, err := New(agents, tasks)
	if err != nil {
		cleanup()
		t.Fatalf("Failed to create orchestrator: %v", err)
	}
	return o, agents, store, cleanup
}

func TestComplexQuerySplitsIntoConversationAndSearch(t *testing.T) {
	o, _, store, cleanup := newTestOrchestrator(t)
	defer cleanup()

	result, err := o.RouteMessage("complex_query", "what happened in the markets today")
	if err != nil {
		t.Fatalf("RouteMessage failed: %v", err)
	}
	if result.Status != StatusDecomposed {
		t.Fatalf("Expected status %s, got %s", StatusDecomposed, result.Status)
	}

	parent, err := store.GetTask(result.TaskID)
	if err != nil {
		t.Fatalf("Failed to load parent task: %v", err)
	}
	if parent.Priority != persistence.PriorityHigh {
		t.Errorf("Parent task should be high priority, got %s", parent.Priority)
	}
	if parent.ParentTaskID != nil {
		t.Error("Parent task should be a tree root")
	}

	if len(result.Subtasks) != 2 {
		t.Fatalf("Expected exactly 2 subtasks, got %d", len(result.Subtasks))
	}
	if result.Subtasks[0].Intent != "conversation" || result.Subtasks[1].Intent != "search" {
		t.Errorf("Expected [conversation, search], got [%s, %s]",
			result.Subtasks[0].Intent, result.Subtasks[1].Intent)
	}
	for _, sub := range result.Subtasks {
		child, err := store.GetTask(sub.TaskID)
		if err != nil {
			t.Fatalf("Failed to load subtask %s: %v", sub.TaskID, err)
		}
		if child.Payload != parent.Payload {
			t.Errorf("Subtask %s lost the original content", sub.TaskID)
		}
		if child.ParentTaskID == nil || *child.ParentTaskID != parent.ID {
			t.Errorf("Subtask %s not linked to parent", sub.TaskID)
		}
		if sub.AgentID == "" {
			t.Errorf("Subtask %s should have been delegated", sub.TaskID)
		}
	}
}

func TestBatchOperationGetsSystemSubtask(t *testing.T) {
	o, _, _, cleanup := newTestOrchestrator(t)
	defer cleanup()

	result, err := o.RouteMessage("batch_operation", "archive old recordings")
	if err != nil {
		t.Fatalf("RouteMessage failed: %v", err)
	}
	if result.Status != StatusDecomposed {
		t.Fatalf("Expected decomposition, got %s", result.Status)
	}
	if len(result.Subtasks) != 2 {
		t.Fatalf("Expected 2 subtasks, got %d", len(result.Subtasks))
	}
	if result.Subtasks[0].Intent != "system" || result.Subtasks[1].Intent != "conversation" {
		t.Errorf("Expected [system, conversation], got [%s, %s]",
			result.Subtasks[0].Intent, result.Subtasks[1].Intent)
	}
}

func TestOversizedContentDecomposes(t *testing.T) {
	o, _, _, cleanup := newTestOrchestrator(t)
	defer cleanup()

	// At the limit a plain message still routes whole.
	atLimit, err := o.RouteMessage("conversation", strings.Repeat("a", 1000))
	if err != nil {
		t.Fatalf("RouteMessage failed: %v", err)
	}
	if atLimit.Status == StatusDecomposed {
		t.Error("Content at the limit should not decompose")
	}

	over, err := o.RouteMessage("conversation", strings.Repeat("a", 1001))
	if err != nil {
		t.Fatalf("RouteMessage failed: %v", err)
	}
	if over.Status != StatusDecomposed {
		t.Errorf("Oversized content should decompose, got %s", over.Status)
	}
}

func TestRouteSingleDelegatesByCapability(t *testing.T) {
	o, _, store, cleanup := newTestOrchestrator(t)
	defer cleanup()

	result, err := o.RouteMessage("search", "weather in amsterdam")
	if err != nil {
		t.Fatalf("RouteMessage failed: %v", err)
	}
	if result.Status != StatusDelegated {
		t.Fatalf("Expected status %s, got %s", StatusDelegated, result.Status)
	}

	agent, err := store.GetAgent(result.AgentID)
	if err != nil {
		t.Fatalf("Failed to load delegate: %v", err)
	}
	if agent.Type != config.TypeWebSearch {
		t.Errorf("Search message delegated to %s agent", agent.Type)
	}
	if agent.ParentID == nil || *agent.ParentID != o.SelfID() {
		t.Error("Spawned delegate should be a child of the root orchestrator")
	}

	task, err := store.GetTask(result.TaskID)
	if err != nil {
		t.Fatalf("Failed to load task: %v", err)
	}
	if task.Status != persistence.TaskAssigned {
		t.Errorf("Expected task assigned, got %s", task.Status)
	}
	if task.AssignedAgentID == nil || *task.AssignedAgentID != agent.ID {
		t.Error("Task not assigned to the delegate")
	}
	if task.Priority != persistence.PriorityMedium {
		t.Errorf("Single-route tasks default to medium priority, got %s", task.Priority)
	}
}

func TestUnknownIntentFallsBackToConversation(t *testing.T) {
	o, _, store, cleanup := newTestOrchestrator(t)
	defer cleanup()

	result, err := o.RouteMessage("smalltalk", "hi there")
	if err != nil {
		t.Fatalf("RouteMessage failed: %v", err)
	}
	agent, err := store.GetAgent(result.AgentID)
	if err != nil {
		t.Fatalf("Failed to load delegate: %v", err)
	}
	if agent.Type != config.TypeConversation {
		t.Errorf("Unknown intent should fall back to conversation, got %s", agent.Type)
	}
}

func TestSecondMessageAvoidsFullAgent(t *testing.T) {
	o, _, store, cleanup := newTestOrchestrator(t)
	defer cleanup()

	// Podcast agents take one task at a time, so the second message cannot
	// land on the agent the first one filled.
	first, err := o.RouteMessage("podcast", "play the morning briefing")
	if err != nil {
		t.Fatalf("First route failed: %v", err)
	}
	if first.Status != StatusDelegated {
		t.Fatalf("First message not delegated: %s", first.Status)
	}

	second, err := o.RouteMessage("podcast", "queue the evening digest")
	if err != nil {
		t.Fatalf("Second route failed: %v", err)
	}
	if second.Status != StatusDelegated {
		t.Fatalf("Second message not delegated: %s", second.Status)
	}
	if second.AgentID == first.AgentID {
		t.Error("Second message landed on an agent at capacity")
	}

	for _, id := range []string{first.AgentID, second.AgentID} {
		agent, err := store.GetAgent(id)
		if err != nil {
			t.Fatalf("Failed to load agent: %v", err)
		}
		if agent.CurrentWorkload != 1 {
			t.Errorf("Agent %s workload = %d, want 1", id, agent.CurrentWorkload)
		}
	}
}

func TestRootOrchestratorAgentIsReused(t *testing.T) {
	o, agents, store, cleanup := newTestOrchestrator(t)
	defer cleanup()

	again, err := New(agents, o.tasks)
	if err != nil {
		t.Fatalf("Second orchestrator failed: %v", err)
	}
	if again.SelfID() != o.SelfID() {
		t.Errorf("Expected root agent reuse, got %s and %s", o.SelfID(), again.SelfID())
	}

	rootType := config.TypeOrchestrator
	roots, err := store.ListAgents(&persistence.AgentFilter{Type: &rootType})
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(roots) != 1 {
		t.Errorf("Expected a single root orchestrator agent, got %d", len(roots))
	}
}

func TestEmptyIntentRejected(t *testing.T) {
	o, _, _, cleanup := newTestOrchestrator(t)
	defer cleanup()

	if _, err := o.RouteMessage("", "content without an intent"); err == nil {
		t.Fatal("Expected error for empty intent")
	}
}
