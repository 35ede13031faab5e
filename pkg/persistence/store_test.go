package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"hivemind/pkg/config"
)

// Helper function to create a new database for each test.
func createTestStore(t *testing.T) (*Store, func()) {
	tempDir, err := os.MkdirTemp("", "persistence_test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tempDir, "test.db")
	db, err := InitializeDatabase(dbPath)
	if err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tempDir)
	}
	return NewStore(db), cleanup
}

func insertTestAgent(t *testing.T, store *Store, agentType config.AgentType, maxTasks int) *Agent {
	t.Helper()
	agent := &Agent{
		ID:                 GenerateAgentID(),
		Type:               agentType,
		Capabilities:       []config.Capability{config.CapDialogue},
		MaxConcurrentTasks: maxTasks,
		Status:             AgentIdle,
		HealthScore:        100,
		LastHeartbeat:      time.Now().UTC(),
	}
	if err := store.InsertAgent(agent); err != nil {
		t.Fatalf("Failed to insert agent: %v", err)
	}
	return agent
}

func insertTestTask(t *testing.T, store *Store, taskType string) *Task {
	t.Helper()
	task := &Task{
		ID:       GenerateTaskID(),
		Type:     taskType,
		Payload:  "test payload",
		Priority: PriorityMedium,
		Status:   TaskPending,
	}
	if err := store.InsertTask(task); err != nil {
		t.Fatalf("Failed to insert task: %v", err)
	}
	return task
}

func TestAgentRoundTrip(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	agent := insertTestAgent(t, store, config.TypeConversation, 5)

	got, err := store.GetAgent(agent.ID)
	if err != nil {
		t.Fatalf("Failed to get agent: %v", err)
	}
	if got.Type != config.TypeConversation {
		t.Errorf("Expected type conversation, got %s", got.Type)
	}
	if got.HealthScore != 100 {
		t.Errorf("Expected health 100, got %d", got.HealthScore)
	}
	if !got.HasCapability(config.CapDialogue) {
		t.Error("Expected dialogue capability to survive round trip")
	}
}

func TestIncrementWorkloadRespectsCapacity(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	agent := insertTestAgent(t, store, config.TypeConversation, 2)

	for i := 0; i < 2; i++ {
		ok, err := store.IncrementWorkload(agent.ID)
		if err != nil {
			t.Fatalf("Increment %d failed: %v", i, err)
		}
		if !ok {
			t.Fatalf("Increment %d rejected below capacity", i)
		}
	}

	ok, err := store.IncrementWorkload(agent.ID)
	if err != nil {
		t.Fatalf("Increment at capacity errored: %v", err)
	}
	if ok {
		t.Error("Increment succeeded past max_concurrent")
	}

	got, err := store.GetAgent(agent.ID)
	if err != nil {
		t.Fatalf("Failed to get agent: %v", err)
	}
	if got.CurrentWorkload != 2 {
		t.Errorf("Expected workload 2, got %d", got.CurrentWorkload)
	}
	if got.Status != AgentBusy {
		t.Errorf("Expected busy at full workload, got %s", got.Status)
	}
}

func TestDecrementWorkloadReturnsToIdle(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	agent := insertTestAgent(t, store, config.TypeConversation, 2)
	if _, err := store.IncrementWorkload(agent.ID); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	if err := store.DecrementWorkload(agent.ID); err != nil {
		t.Fatalf("Decrement failed: %v", err)
	}
	got, err := store.GetAgent(agent.ID)
	if err != nil {
		t.Fatalf("Failed to get agent: %v", err)
	}
	if got.CurrentWorkload != 0 {
		t.Errorf("Expected workload 0, got %d", got.CurrentWorkload)
	}
	if got.Status != AgentIdle {
		t.Errorf("Expected idle after last slot released, got %s", got.Status)
	}

	// Decrementing at zero stays at zero.
	if err := store.DecrementWorkload(agent.ID); err != nil {
		t.Fatalf("Decrement at zero failed: %v", err)
	}
	got, _ = store.GetAgent(agent.ID)
	if got.CurrentWorkload != 0 {
		t.Errorf("Workload went negative: %d", got.CurrentWorkload)
	}
}

func TestHealthScoreClamping(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	agent := insertTestAgent(t, store, config.TypeConversation, 5)

	// Drive well below zero.
	for i := 0; i < 10; i++ {
		if err := store.AdjustHealthScore(agent.ID, -20); err != nil {
			t.Fatalf("Adjust failed: %v", err)
		}
	}
	got, _ := store.GetAgent(agent.ID)
	if got.HealthScore != 0 {
		t.Errorf("Expected health clamped at 0, got %d", got.HealthScore)
	}

	// Drive well above one hundred.
	for i := 0; i < 10; i++ {
		if err := store.AdjustHealthScore(agent.ID, 30); err != nil {
			t.Fatalf("Adjust failed: %v", err)
		}
	}
	got, _ = store.GetAgent(agent.ID)
	if got.HealthScore != 100 {
		t.Errorf("Expected health clamped at 100, got %d", got.HealthScore)
	}
}

func TestUpdateAgentStatusIdempotent(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	agent := insertTestAgent(t, store, config.TypeConversation, 5)

	for i := 0; i < 3; i++ {
		if err := store.UpdateAgentStatus(agent.ID, AgentIdle); err != nil {
			t.Fatalf("Idempotent status update %d failed: %v", i, err)
		}
	}
	got, _ := store.GetAgent(agent.ID)
	if got.Status != AgentIdle {
		t.Errorf("Expected idle, got %s", got.Status)
	}
	if got.HealthScore != 100 {
		t.Errorf("Repeated status updates changed health: %d", got.HealthScore)
	}
}

func TestListAgentsFilters(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	a := insertTestAgent(t, store, config.TypeConversation, 5)
	b := insertTestAgent(t, store, config.TypeWebSearch, 5)
	if err := store.UpdateAgentStatus(b.ID, AgentStopped); err != nil {
		t.Fatalf("Failed to stop agent: %v", err)
	}
	if err := store.SetHealthScore(a.ID, 40); err != nil {
		t.Fatalf("Failed to set health: %v", err)
	}

	active, err := store.ListAgents(&AgentFilter{Statuses: []AgentStatus{AgentIdle, AgentBusy}})
	if err != nil {
		t.Fatalf("Failed to list active agents: %v", err)
	}
	if len(active) != 1 || active[0].ID != a.ID {
		t.Fatalf("Expected only agent %s active, got %d agents", a.ID, len(active))
	}

	minHealth := 50
	healthy, err := store.ListAgents(&AgentFilter{MinHealthScore: &minHealth})
	if err != nil {
		t.Fatalf("Failed to list healthy agents: %v", err)
	}
	if len(healthy) != 0 {
		t.Errorf("Expected no agents above health 50, got %d", len(healthy))
	}
}

func TestClaimTaskForAgentSingleAssignment(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	agentA := insertTestAgent(t, store, config.TypeConversation, 5)
	agentB := insertTestAgent(t, store, config.TypeConversation, 5)
	task := insertTestTask(t, store, "conversation")

	ok, err := store.ClaimTaskForAgent(task.ID, agentA.ID)
	if err != nil {
		t.Fatalf("First claim failed: %v", err)
	}
	if !ok {
		t.Fatal("First claim rejected")
	}

	ok, err = store.ClaimTaskForAgent(task.ID, agentB.ID)
	if err != nil {
		t.Fatalf("Second claim errored: %v", err)
	}
	if ok {
		t.Error("Task claimed twice")
	}

	got, _ := store.GetTask(task.ID)
	if got.AssignedAgentID == nil || *got.AssignedAgentID != agentA.ID {
		t.Error("Task assignment did not stick with the first claimant")
	}
}

func TestTaskPriorityOrdering(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	low := insertTestTask(t, store, "a")
	critical := &Task{ID: GenerateTaskID(), Type: "b", Priority: PriorityCritical, Status: TaskPending}
	if err := store.InsertTask(critical); err != nil {
		t.Fatalf("Failed to insert critical task: %v", err)
	}

	status := TaskPending
	tasks, err := store.ListTasks(&TaskFilter{Status: &status})
	if err != nil {
		t.Fatalf("Failed to list tasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("Expected 2 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != critical.ID {
		t.Errorf("Expected critical task first, got %s", tasks[0].Priority)
	}
	if tasks[1].ID != low.ID {
		t.Errorf("Expected medium task second, got %s", tasks[1].Priority)
	}
}

func TestRequeueTaskIncrementsRetry(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	agent := insertTestAgent(t, store, config.TypeConversation, 5)
	task := insertTestTask(t, store, "conversation")
	if _, err := store.ClaimTaskForAgent(task.ID, agent.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	requeued, err := store.RequeueTask(task.ID, TaskAssigned)
	if err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	if !requeued {
		t.Fatal("Expected assigned task to be requeueable")
	}
	got, _ := store.GetTask(task.ID)
	if got.Status != TaskPending {
		t.Errorf("Expected pending, got %s", got.Status)
	}
	if got.AssignedAgentID != nil {
		t.Error("Expected assignment cleared on requeue")
	}
	if got.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", got.RetryCount)
	}
}

func TestCompletedAtStamping(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	task := insertTestTask(t, store, "conversation")
	moved, err := store.UpdateTaskStatus(task.ID, TaskPending, TaskCompleted)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if !moved {
		t.Fatal("Expected pending task to transition")
	}
	got, _ := store.GetTask(task.ID)
	if got.CompletedAt == nil {
		t.Error("Expected completed_at stamped on terminal status")
	}
}

func TestUpdateTaskStatusLosesRaceOnStatusChange(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	task := insertTestTask(t, store, "conversation")

	// Two transitions race from the same observed status: only the first
	// conditional update sees a row affected.
	moved, err := store.UpdateTaskStatus(task.ID, TaskPending, TaskCancelled)
	if err != nil || !moved {
		t.Fatalf("First transition failed: moved=%v err=%v", moved, err)
	}
	moved, err = store.UpdateTaskStatus(task.ID, TaskPending, TaskFailed)
	if err != nil {
		t.Fatalf("Second transition errored: %v", err)
	}
	if moved {
		t.Fatal("Second transition from a stale status must lose the race")
	}
	got, _ := store.GetTask(task.ID)
	if got.Status != TaskCancelled {
		t.Errorf("Expected cancelled to stick, got %s", got.Status)
	}
}

func TestReassignTaskSkipsFinishedTask(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	agent := insertTestAgent(t, store, config.TypeConversation, 5)
	task := insertTestTask(t, store, "conversation")
	if _, err := store.ClaimTaskForAgent(task.ID, agent.ID); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := store.UpdateTaskStatus(task.ID, TaskAssigned, TaskCompleted); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	other := insertTestAgent(t, store, config.TypeConversation, 5)
	moved, err := store.ReassignTask(task.ID, other.ID)
	if err != nil {
		t.Fatalf("Reassign errored: %v", err)
	}
	if moved {
		t.Fatal("Completed task must not be dragged back to assigned")
	}
	got, _ := store.GetTask(task.ID)
	if got.Status != TaskCompleted {
		t.Errorf("Expected completed to stick, got %s", got.Status)
	}
	if got.AssignedAgentID == nil || *got.AssignedAgentID != agent.ID {
		t.Error("Assignment must stay with the original agent")
	}
}

func TestFailureLifecycle(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	agent := insertTestAgent(t, store, config.TypeConversation, 5)
	record := &AgentFailure{
		ID:            GenerateFailureID(),
		AgentID:       agent.ID,
		FailureType:   FailureCrash,
		FailureReason: "process exited",
		TasksAffected: []string{"t1", "t2"},
		DetectedBy:    "watchdog",
	}
	if err := store.InsertFailure(record); err != nil {
		t.Fatalf("Failed to insert failure: %v", err)
	}

	now := time.Now().UTC()
	if err := store.MarkFailureRecovered(record.ID, RecoveryRestart, now); err != nil {
		t.Fatalf("Failed to mark recovered: %v", err)
	}

	got, err := store.GetFailure(record.ID)
	if err != nil {
		t.Fatalf("Failed to get failure: %v", err)
	}
	if !got.Recovered {
		t.Error("Expected recovered flag set")
	}
	if got.RecoveryMethod == nil || *got.RecoveryMethod != RecoveryRestart {
		t.Error("Expected restart recovery method")
	}
	if len(got.TasksAffected) != 2 {
		t.Errorf("Expected 2 affected tasks, got %d", len(got.TasksAffected))
	}

	failures, err := store.ListFailures(agent.ID, 10)
	if err != nil {
		t.Fatalf("Failed to list failures: %v", err)
	}
	if len(failures) != 1 {
		t.Errorf("Expected 1 failure for agent, got %d", len(failures))
	}
}

func TestMonitorPairs(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	a := insertTestAgent(t, store, config.TypeConversation, 5)
	b := insertTestAgent(t, store, config.TypeConversation, 5)

	if err := store.SetMonitorTargets(a.ID, []string{b.ID}); err != nil {
		t.Fatalf("Failed to set monitor targets: %v", err)
	}

	targets, err := store.TargetsOf(a.ID)
	if err != nil {
		t.Fatalf("Failed to query targets: %v", err)
	}
	if len(targets) != 1 || targets[0] != b.ID {
		t.Fatalf("Expected %s monitored by %s", b.ID, a.ID)
	}

	monitors, err := store.MonitorsOf(b.ID)
	if err != nil {
		t.Fatalf("Failed to query monitors: %v", err)
	}
	if len(monitors) != 1 || monitors[0] != a.ID {
		t.Fatalf("Expected monitor %s of %s", a.ID, b.ID)
	}

	// Replacing targets drops the old relation.
	if err := store.SetMonitorTargets(a.ID, nil); err != nil {
		t.Fatalf("Failed to clear targets: %v", err)
	}
	targets, _ = store.TargetsOf(a.ID)
	if len(targets) != 0 {
		t.Errorf("Expected no targets after clear, got %d", len(targets))
	}
}

func TestWorkloadStats(t *testing.T) {
	store, cleanup := createTestStore(t)
	defer cleanup()

	a := insertTestAgent(t, store, config.TypeConversation, 2)
	insertTestAgent(t, store, config.TypeWebSearch, 4)
	if _, err := store.IncrementWorkload(a.ID); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}

	stats, err := store.GetWorkloadStats()
	if err != nil {
		t.Fatalf("Failed to get workload stats: %v", err)
	}
	if stats.IdleAgents != 1 {
		t.Errorf("Expected 1 idle agent, got %d", stats.IdleAgents)
	}
	if stats.BusyAgents != 1 {
		t.Errorf("Expected 1 busy agent, got %d", stats.BusyAgents)
	}
	if stats.AverageUtilization < 24 || stats.AverageUtilization > 26 {
		t.Errorf("Expected ~25%% average utilization, got %.1f", stats.AverageUtilization)
	}
}
