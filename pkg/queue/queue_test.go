package queue

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hivemind/pkg/config"
	"hivemind/pkg/persistence"
)

func newTestQueue(t *testing.T) (*TaskQueue, *persistence.Store, func()) {
	tempDir, err := os.MkdirTemp("", "queue_test")
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
	return NewTaskQueue(store, config.QueueConfig{MaxRetries: 3}), store, cleanup
}

func newTestAgent(t *testing.T, store *persistence.Store, maxTasks int) *persistence.Agent {
	t.Helper()
	agent := &persistence.Agent{
		ID:                 persistence.GenerateAgentID(),
		Type:               config.TypeConversation,
		Capabilities:       []config.Capability{config.CapDialogue},
		MaxConcurrentTasks: maxTasks,
		Status:             persistence.AgentIdle,
		HealthScore:        100,
		LastHeartbeat:      time.Now().UTC(),
	}
	if err := store.InsertAgent(agent); err != nil {
		t.Fatalf("Failed to insert agent: %v", err)
	}
	return agent
}

func TestCreateTaskStartsPending(t *testing.T) {
	q, _, cleanup := newTestQueue(t)
	defer cleanup()

	task, err := q.CreateTask("conversation", "hello", persistence.PriorityMedium, nil)
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if task.Status != persistence.TaskPending {
		t.Errorf("Expected pending, got %s", task.Status)
	}
	if task.RetryCount != 0 {
		t.Errorf("Expected retry count 0, got %d", task.RetryCount)
	}
}

func TestAssignTaskReservesCapacity(t *testing.T) {
	q, store, cleanup := newTestQueue(t)
	defer cleanup()

	agent := newTestAgent(t, store, 1)
	first, _ := q.CreateTask("conversation", "one", persistence.PriorityMedium, nil)
	second, _ := q.CreateTask("conversation", "two", persistence.PriorityMedium, nil)

	if err := q.AssignTask(first.ID, agent.ID); err != nil {
		t.Fatalf("First assignment failed: %v", err)
	}

	err := q.AssignTask(second.ID, agent.ID)
	if !errors.Is(err, ErrAgentAtCapacity) {
		t.Fatalf("Expected ErrAgentAtCapacity, got %v", err)
	}

	// The rejected assignment must not leak a workload slot or claim the
	// task.
	got, _ := store.GetAgent(agent.ID)
	if got.CurrentWorkload != 1 {
		t.Errorf("Expected workload 1 after rejected assignment, got %d", got.CurrentWorkload)
	}
	task, _ := q.GetTask(second.ID)
	if task.Status != persistence.TaskPending {
		t.Errorf("Rejected task should stay pending, got %s", task.Status)
	}
}

func TestAssignTaskReleasesSlotWhenClaimLoses(t *testing.T) {
	q, store, cleanup := newTestQueue(t)
	defer cleanup()

	agentA := newTestAgent(t, store, 2)
	agentB := newTestAgent(t, store, 2)
	task, _ := q.CreateTask("conversation", "x", persistence.PriorityMedium, nil)

	if err := q.AssignTask(task.ID, agentA.ID); err != nil {
		t.Fatalf("First assignment failed: %v", err)
	}
	err := q.AssignTask(task.ID, agentB.ID)
	if !errors.Is(err, ErrTaskNotClaimable) {
		t.Fatalf("Expected ErrTaskNotClaimable, got %v", err)
	}

	got, _ := store.GetAgent(agentB.ID)
	if got.CurrentWorkload != 0 {
		t.Errorf("Losing claimant kept a reserved slot: workload %d", got.CurrentWorkload)
	}
}

func TestTaskLifecycleTransitions(t *testing.T) {
	q, store, cleanup := newTestQueue(t)
	defer cleanup()

	agent := newTestAgent(t, store, 2)
	task, _ := q.CreateTask("conversation", "x", persistence.PriorityMedium, nil)

	if err := q.AssignTask(task.ID, agent.ID); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if err := q.MarkInProgress(task.ID); err != nil {
		t.Fatalf("MarkInProgress failed: %v", err)
	}
	if err := q.CompleteTask(task.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	got, _ := q.GetTask(task.ID)
	if got.Status != persistence.TaskCompleted {
		t.Errorf("Expected completed, got %s", got.Status)
	}
	agentAfter, _ := store.GetAgent(agent.ID)
	if agentAfter.CurrentWorkload != 0 {
		t.Errorf("Completion did not release workload slot: %d", agentAfter.CurrentWorkload)
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	q, _, cleanup := newTestQueue(t)
	defer cleanup()

	task, _ := q.CreateTask("conversation", "x", persistence.PriorityMedium, nil)

	// pending cannot jump straight to in_progress or completed.
	if err := q.MarkInProgress(task.ID); err == nil {
		t.Error("Expected pending -> in_progress to be rejected")
	}
	if err := q.CompleteTask(task.ID); err == nil {
		t.Error("Expected pending -> completed to be rejected")
	}

	if err := q.CancelTask(task.ID); err != nil {
		t.Fatalf("Cancel of pending task failed: %v", err)
	}
	// Terminal states accept nothing further.
	if err := q.CancelTask(task.ID); err == nil {
		t.Error("Expected cancel of cancelled task to be rejected")
	}
}

func TestRetryTaskReturnsToPending(t *testing.T) {
	q, store, cleanup := newTestQueue(t)
	defer cleanup()

	agent := newTestAgent(t, store, 2)
	task, _ := q.CreateTask("conversation", "x", persistence.PriorityMedium, nil)
	if err := q.AssignTask(task.ID, agent.ID); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	if err := q.RetryTask(task.ID); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	got, _ := q.GetTask(task.ID)
	if got.Status != persistence.TaskPending {
		t.Errorf("Expected pending after retry, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("Expected retry count 1, got %d", got.RetryCount)
	}
	agentAfter, _ := store.GetAgent(agent.ID)
	if agentAfter.CurrentWorkload != 0 {
		t.Errorf("Retry did not release the agent's slot: %d", agentAfter.CurrentWorkload)
	}
}

func TestRetryBudgetDeadLetters(t *testing.T) {
	q, store, cleanup := newTestQueue(t)
	defer cleanup()

	agent := newTestAgent(t, store, 2)
	task, _ := q.CreateTask("conversation", "x", persistence.PriorityMedium, nil)

	for i := 0; i < 3; i++ {
		if err := q.AssignTask(task.ID, agent.ID); err != nil {
			t.Fatalf("Assign %d failed: %v", i, err)
		}
		if err := q.RetryTask(task.ID); err != nil {
			t.Fatalf("Retry %d failed: %v", i, err)
		}
	}

	if err := q.AssignTask(task.ID, agent.ID); err != nil {
		t.Fatalf("Final assign failed: %v", err)
	}
	err := q.RetryTask(task.ID)
	if !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("Expected ErrRetryBudgetExhausted, got %v", err)
	}

	got, _ := q.GetTask(task.ID)
	if got.Status != persistence.TaskFailed {
		t.Errorf("Expected dead-lettered task failed, got %s", got.Status)
	}
}

func TestReassignTaskKeepsRetryCount(t *testing.T) {
	q, store, cleanup := newTestQueue(t)
	defer cleanup()

	agentA := newTestAgent(t, store, 2)
	agentB := newTestAgent(t, store, 2)
	task, _ := q.CreateTask("conversation", "x", persistence.PriorityMedium, nil)
	if err := q.AssignTask(task.ID, agentA.ID); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}

	if err := q.ReassignTask(task.ID, agentB.ID); err != nil {
		t.Fatalf("Reassign failed: %v", err)
	}
	got, _ := q.GetTask(task.ID)
	if got.AssignedAgentID == nil || *got.AssignedAgentID != agentB.ID {
		t.Error("Task not moved to the new agent")
	}
	if got.RetryCount != 0 {
		t.Errorf("Reassignment must not consume the retry budget, got %d", got.RetryCount)
	}
	agentAfter, _ := store.GetAgent(agentB.ID)
	if agentAfter.CurrentWorkload != 1 {
		t.Errorf("Expected reserved slot on new agent, got %d", agentAfter.CurrentWorkload)
	}
}

func TestReassignSkipsConcurrentlyFinishedTask(t *testing.T) {
	q, store, cleanup := newTestQueue(t)
	defer cleanup()

	agentA := newTestAgent(t, store, 2)
	agentB := newTestAgent(t, store, 2)
	task, _ := q.CreateTask("conversation", "x", persistence.PriorityMedium, nil)
	if err := q.AssignTask(task.ID, agentA.ID); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if err := q.MarkInProgress(task.ID); err != nil {
		t.Fatalf("MarkInProgress failed: %v", err)
	}
	if err := q.CompleteTask(task.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	// Recovery reassignment losing the race against completion must not
	// drag the task back to assigned, and must release the reserved slot.
	err := q.ReassignTask(task.ID, agentB.ID)
	if !errors.Is(err, ErrTaskNotClaimable) {
		t.Fatalf("Expected ErrTaskNotClaimable, got %v", err)
	}
	got, _ := q.GetTask(task.ID)
	if got.Status != persistence.TaskCompleted {
		t.Errorf("Expected completed to stick, got %s", got.Status)
	}
	agentAfter, _ := store.GetAgent(agentB.ID)
	if agentAfter.CurrentWorkload != 0 {
		t.Errorf("Lost reassignment must release the reserved slot, got workload %d", agentAfter.CurrentWorkload)
	}
}

func TestDoubleTerminalTransitionReleasesSlotOnce(t *testing.T) {
	q, store, cleanup := newTestQueue(t)
	defer cleanup()

	agent := newTestAgent(t, store, 2)
	task, _ := q.CreateTask("conversation", "x", persistence.PriorityMedium, nil)
	if err := q.AssignTask(task.ID, agent.ID); err != nil {
		t.Fatalf("Assign failed: %v", err)
	}
	if err := q.MarkInProgress(task.ID); err != nil {
		t.Fatalf("MarkInProgress failed: %v", err)
	}
	if err := q.CompleteTask(task.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	// A second terminal transition loses and must not decrement again.
	if err := q.FailTask(task.ID); err == nil {
		t.Fatal("Expected second terminal transition to fail")
	}
	agentAfter, _ := store.GetAgent(agent.ID)
	if agentAfter.CurrentWorkload != 0 {
		t.Errorf("Expected workload released exactly once, got %d", agentAfter.CurrentWorkload)
	}
}
