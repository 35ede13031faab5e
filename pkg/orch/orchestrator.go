// Package orch is the top-level entry point for inbound messages. It
// decides whether a message routes to a single agent or decomposes into a
// parent task with capability-specific subtasks, then delegates through the
// agent manager and task queue.
package orch

import (
	"errors"
	"fmt"
	"time"

	"hivemind/pkg/config"
	"hivemind/pkg/logx"
	"hivemind/pkg/manager"
	"hivemind/pkg/metrics"
	"hivemind/pkg/persistence"
	"hivemind/pkg/queue"
)

// decomposeContentLimit is the content length above which a message is
// decomposed regardless of its intent.
const decomposeContentLimit = 1000

// Routing status values reported back to the caller.
const (
	StatusDelegated  = "delegated"
	StatusDecomposed = "decomposed"
	StatusQueued     = "queued" // Task created but nobody could take it yet
)

// SubtaskResult reports where one subtask of a decomposition landed.
type SubtaskResult struct {
	TaskID  string `json:"task_id"`
	Intent  string `json:"intent"`
	AgentID string `json:"agent_id,omitempty"`
}

// RouteResult is the outcome of routing one inbound message.
type RouteResult struct {
	Status   string          `json:"status"`
	TaskID   string          `json:"task_id"`
	AgentID  string          `json:"agent_id,omitempty"`
	Subtasks []SubtaskResult `json:"subtasks,omitempty"`
}

// Orchestrator routes inbound messages. It owns a root orchestrator agent
// under which delegation children are spawned.
type Orchestrator struct {
	agents *manager.AgentManager
	tasks  *queue.TaskQueue
	logger *logx.Logger
	selfID string
}

// New creates the orchestrator, reusing an existing root orchestrator agent
// or spawning one when none is active.
func New(agents *manager.AgentManager, tasks *queue.TaskQueue) (*Orchestrator, error) {
	o := &Orchestrator{
		agents: agents,
		tasks:  tasks,
		logger: logx.NewLogger("orch"),
	}

	rootType := config.TypeOrchestrator
	existing, err := agents.ListAgents(&persistence.AgentFilter{
		Statuses: []persistence.AgentStatus{persistence.AgentIdle, persistence.AgentBusy},
		Type:     &rootType,
	})
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		o.selfID = existing[0].ID
	} else {
		root, err := agents.SpawnChildAgent(nil, config.TypeOrchestrator)
		if err != nil {
			return nil, logx.Wrap(err, "failed to create root orchestrator agent")
		}
		o.selfID = root.ID
	}
	return o, nil
}

// SelfID returns the id of the root orchestrator agent.
func (o *Orchestrator) SelfID() string {
	return o.selfID
}

// RouteMessage routes one inbound message. Messages with a compound intent
// or oversized content decompose into a high-priority parent task with one
// subtask per derived intent; everything else becomes a single task
// delegated by capability.
func (o *Orchestrator) RouteMessage(intent, content string) (*RouteResult, error) {
	if intent == "" {
		return nil, errors.New("message intent must not be empty")
	}

	start := time.Now()
	var result *RouteResult
	var err error
	if shouldDecompose(intent, content) {
		result, err = o.decompose(intent, content)
	} else {
		result, err = o.routeSingle(intent, content)
	}
	if err != nil {
		metrics.RouteDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return nil, err
	}
	metrics.RouteDuration.WithLabelValues(result.Status).Observe(time.Since(start).Seconds())
	return result, nil
}

func shouldDecompose(intent, content string) bool {
	switch intent {
	case "complex_query", "multi_step", "batch_operation":
		return true
	}
	return len(content) > decomposeContentLimit
}

// routeSingle creates one task for the message and delegates it to the best
// available capable agent, spawning one when the pool is empty.
func (o *Orchestrator) routeSingle(intent, content string) (*RouteResult, error) {
	task, err := o.tasks.CreateTask(intent, content, persistence.PriorityMedium, nil)
	if err != nil {
		return nil, err
	}

	agentID, err := o.delegate(task.ID, intent)
	if err != nil {
		o.logger.Warn("Task %s created but not delegated: %v", task.ID, err)
		return &RouteResult{Status: StatusQueued, TaskID: task.ID}, nil
	}

	return &RouteResult{Status: StatusDelegated, TaskID: task.ID, AgentID: agentID}, nil
}

// decompose creates a high-priority parent task, derives subtask intents,
// and delegates each child independently. Subtasks that cannot be placed
// stay pending for the next assignment cycle.
func (o *Orchestrator) decompose(intent, content string) (*RouteResult, error) {
	parent, err := o.tasks.CreateTask(intent, content, persistence.PriorityHigh, nil)
	if err != nil {
		return nil, err
	}

	result := &RouteResult{Status: StatusDecomposed, TaskID: parent.ID}
	for _, sub := range subtaskIntents(intent) {
		child, err := o.tasks.CreateTask(sub, content, persistence.PriorityMedium, &parent.ID)
		if err != nil {
			return nil, logx.Wrap(err, fmt.Sprintf("failed to create %s subtask of %s", sub, parent.ID))
		}

		subResult := SubtaskResult{TaskID: child.ID, Intent: sub}
		if agentID, err := o.delegate(child.ID, sub); err != nil {
			o.logger.Warn("Subtask %s (%s) left queued: %v", child.ID, sub, err)
		} else {
			subResult.AgentID = agentID
		}
		result.Subtasks = append(result.Subtasks, subResult)
	}

	o.logger.Info("Decomposed %s message into %d subtasks under %s", intent, len(result.Subtasks), parent.ID)
	return result, nil
}

// delegate finds or spawns a capable agent and assigns the task to it.
func (o *Orchestrator) delegate(taskID, intent string) (string, error) {
	caps := capabilitiesFor(intent)
	agent, err := o.agents.FindOrSpawnAgent(caps, agentTypeFor(intent), &o.selfID)
	if err != nil {
		return "", err
	}
	if err := o.tasks.AssignTask(taskID, agent.ID); err != nil {
		return "", err
	}
	return agent.ID, nil
}

// subtaskIntents derives the child intents of a compound message. A complex
// query always splits into exactly a conversation piece and a search piece;
// batch operations get a system subtask in front of the conversational
// summary.
func subtaskIntents(intent string) []string {
	switch intent {
	case "batch_operation":
		return []string{"system", "conversation"}
	default:
		return []string{"conversation", "search"}
	}
}

// capabilitiesFor maps a message intent to the capability set that can
// serve it. Unknown intents fall back to plain dialogue.
func capabilitiesFor(intent string) []config.Capability {
	switch intent {
	case "search":
		return []config.Capability{config.CapWeb}
	case "music":
		return []config.Capability{config.CapSpotify}
	case "finance":
		return []config.Capability{config.CapFinance}
	case "email":
		return []config.Capability{config.CapEmail}
	case "calendar":
		return []config.Capability{config.CapCalendar}
	case "image":
		return []config.Capability{config.CapImageGen}
	case "podcast":
		return []config.Capability{config.CapPodcast}
	case "vision":
		return []config.Capability{config.CapVision}
	case "voice":
		return []config.Capability{config.CapVoice}
	case "document":
		return []config.Capability{config.CapDocuments}
	case "code":
		return []config.Capability{config.CapCodeAnalysis}
	case "system":
		return []config.Capability{config.CapSystemControl}
	case "camera":
		return []config.Capability{config.CapCamera}
	default:
		return []config.Capability{config.CapDialogue}
	}
}

// agentTypeFor maps a message intent to the agent type spawned when no
// capable agent is available.
func agentTypeFor(intent string) config.AgentType {
	switch intent {
	case "search":
		return config.TypeWebSearch
	case "music":
		return config.TypeSpotify
	case "finance":
		return config.TypeFinance
	case "email":
		return config.TypeEmail
	case "calendar":
		return config.TypeCalendar
	case "image":
		return config.TypeImage
	case "podcast":
		return config.TypePodcast
	case "vision":
		return config.TypeVision
	case "voice":
		return config.TypeVoice
	case "document":
		return config.TypeDocument
	case "code":
		return config.TypeCodeAnalysis
	case "system":
		return config.TypeSystem
	case "camera":
		return config.TypeCamera
	default:
		return config.TypeConversation
	}
}
