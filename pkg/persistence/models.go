package persistence

import (
	"time"

	"github.com/google/uuid"

	"hivemind/pkg/config"
)

// AgentStatus is the lifecycle state of a logical agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentError   AgentStatus = "error"
	AgentStopped AgentStatus = "stopped" // Terminal; agents are never hard-deleted
)

// ValidAgentStatuses returns all valid agent statuses.
func ValidAgentStatuses() []AgentStatus {
	return []AgentStatus{AgentIdle, AgentBusy, AgentError, AgentStopped}
}

// IsValidAgentStatus checks if a status string is valid.
func IsValidAgentStatus(status AgentStatus) bool {
	for _, valid := range ValidAgentStatuses() {
		if status == valid {
			return true
		}
	}
	return false
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// TaskPriority orders tasks within the queue.
type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// FailureType classifies a detected agent failure.
type FailureType string

const (
	FailureCrash        FailureType = "crash"
	FailureTimeout      FailureType = "timeout"
	FailureError        FailureType = "error"
	FailureUnresponsive FailureType = "unresponsive"
	FailureLogicError   FailureType = "logic_error"
)

// RecoveryMethod records how a failure was recovered.
type RecoveryMethod string

const (
	RecoveryRestart  RecoveryMethod = "restart"
	RecoveryReplace  RecoveryMethod = "replace"
	RecoveryManual   RecoveryMethod = "manual"
	RecoveryWatchdog RecoveryMethod = "watchdog"
)

// Agent represents a registered logical worker.
//
//nolint:govet // struct alignment optimization not critical for this type
type Agent struct {
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	LastHeartbeat      time.Time           `json:"last_heartbeat"`
	ID                 string              `json:"id"`
	Type               config.AgentType    `json:"type"`
	ParentID           *string             `json:"parent_id,omitempty"` // Spawning lineage
	Capabilities       []config.Capability `json:"capabilities"`
	MaxConcurrentTasks int                 `json:"max_concurrent_tasks"`
	Status             AgentStatus         `json:"status"`
	CurrentWorkload    int                 `json:"current_workload"`
	HealthScore        int                 `json:"health_score"` // Clamped [0,100]
}

// HasCapability reports whether the agent declares the given capability.
func (a *Agent) HasCapability(c config.Capability) bool {
	for _, cap := range a.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// HasAnyCapability reports whether the agent's capability set intersects the
// requested set.
func (a *Agent) HasAnyCapability(caps []config.Capability) bool {
	for _, c := range caps {
		if a.HasCapability(c) {
			return true
		}
	}
	return false
}

// WorkloadPercent returns currentWorkload relative to the concurrency limit.
func (a *Agent) WorkloadPercent() float64 {
	if a.MaxConcurrentTasks <= 0 {
		return 0
	}
	return float64(a.CurrentWorkload) / float64(a.MaxConcurrentTasks) * 100
}

// Task represents a unit of delegated work.
//
//nolint:govet // struct alignment optimization not critical for this type
type Task struct {
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	ID              string       `json:"id"`
	Type            string       `json:"type"`
	Payload         string       `json:"payload"`
	Priority        TaskPriority `json:"priority"`
	Status          TaskStatus   `json:"status"`
	AssignedAgentID *string      `json:"assigned_agent_id,omitempty"`
	ParentTaskID    *string      `json:"parent_task_id,omitempty"` // Decomposition tree
	RetryCount      int          `json:"retry_count"`
}

// AgentFailure records one detected failure event. Records are not
// deduplicated across detectors; the same outage may produce several rows.
//
//nolint:govet // struct alignment optimization not critical for this type
type AgentFailure struct {
	CreatedAt      time.Time       `json:"created_at"`
	RecoveryTime   *time.Time      `json:"recovery_time,omitempty"`
	ID             string          `json:"id"`
	AgentID        string          `json:"agent_id"`
	ParentID       *string         `json:"parent_id,omitempty"`
	FailureType    FailureType     `json:"failure_type"`
	FailureReason  string          `json:"failure_reason"`
	TasksAffected  []string        `json:"tasks_affected"` // Snapshot of in-progress task ids at detection time
	DetectedBy     string          `json:"detected_by"`
	Recovered      bool            `json:"recovered"`
	RecoveryMethod *RecoveryMethod `json:"recovery_method,omitempty"`
}

// AgentFilter represents criteria for querying agents.
type AgentFilter struct {
	Statuses       []AgentStatus     `json:"statuses,omitempty"`
	Type           *config.AgentType `json:"type,omitempty"`
	ParentID       *string           `json:"parent_id,omitempty"`
	MinHealthScore *int              `json:"min_health_score,omitempty"`
}

// TaskFilter represents criteria for querying tasks.
type TaskFilter struct {
	Status          *TaskStatus  `json:"status,omitempty"`
	Statuses        []TaskStatus `json:"statuses,omitempty"` // For IN queries
	AssignedAgentID *string      `json:"assigned_agent_id,omitempty"`
	ParentTaskID    *string      `json:"parent_task_id,omitempty"`
	Type            *string      `json:"type,omitempty"`
}

// GenerateAgentID generates a new UUID for an agent.
func GenerateAgentID() string {
	return uuid.New().String()
}

// GenerateTaskID generates a new UUID for a task.
func GenerateTaskID() string {
	return uuid.New().String()
}

// GenerateFailureID generates a new UUID for a failure record.
func GenerateFailureID() string {
	return uuid.New().String()
}
