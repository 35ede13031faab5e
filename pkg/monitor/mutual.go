package monitor

import (
	"context"
	"sort"
	"time"

	"hivemind/pkg/config"
	"hivemind/pkg/logx"
	"hivemind/pkg/manager"
	"hivemind/pkg/persistence"
	"hivemind/pkg/proto"
	"hivemind/pkg/sched"
)

// Publisher is the slice of the bus the mutual monitor needs. Notifications
// are fire-and-forget; the monitor never waits on a response.
type Publisher interface {
	Publish(msg *proto.BusMsg) error
}

// MutualMonitor pairs same-type agents in a ring so every agent is watched
// by a peer and no single agent becomes a monitoring bottleneck.
type MutualMonitor struct {
	store  *persistence.Store
	agents *manager.AgentManager
	bus    Publisher
	cfg    config.MutualConfig
	logger *logx.Logger
}

// NewMutualMonitor creates a mutual monitor.
func NewMutualMonitor(store *persistence.Store, agents *manager.AgentManager, bus Publisher, cfg config.MutualConfig) *MutualMonitor {
	return &MutualMonitor{
		store:  store,
		agents: agents,
		bus:    bus,
		cfg:    cfg,
		logger: logx.NewLogger("mutual"),
	}
}

// Schedule registers the monitor's periodic sweep.
func (m *MutualMonitor) Schedule(s *sched.Scheduler) *sched.Job {
	return s.ScheduleEvery("mutual-sweep", m.cfg.Interval.Std(), m.Sweep)
}

// RebuildPairs recomputes the monitoring ring for every agent type with two
// or more active agents: agent i monitors agent i+1, wrapping around. Types
// with a single agent carry no pairs; the watchdog covers critical
// singletons.
func (m *MutualMonitor) RebuildPairs() error {
	agents, err := m.agents.ActiveAgents()
	if err != nil {
		return err
	}

	byType := make(map[config.AgentType][]*persistence.Agent)
	for _, a := range agents {
		byType[a.Type] = append(byType[a.Type], a)
	}

	for _, group := range byType {
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
		if len(group) < 2 {
			for _, a := range group {
				if err := m.store.SetMonitorTargets(a.ID, nil); err != nil {
					m.logger.Error("Failed to clear monitor targets for %s: %v", a.ID, err)
				}
			}
			continue
		}
		for i, a := range group {
			target := group[(i+1)%len(group)]
			if err := m.store.SetMonitorTargets(a.ID, []string{target.ID}); err != nil {
				m.logger.Error("Failed to set monitor target %s -> %s: %v", a.ID, target.ID, err)
			}
		}
	}
	return nil
}

// Sweep rebuilds the ring and evaluates every monitored agent, notifying
// registered monitors of anything that looks unhealthy.
func (m *MutualMonitor) Sweep(ctx context.Context) {
	defer observeSweep("mutual", time.Now())

	if err := m.RebuildPairs(); err != nil {
		m.logger.Error("Failed to rebuild monitoring pairs: %v", err)
		return
	}

	agents, err := m.agents.ActiveAgents()
	if err != nil {
		m.logger.Error("Failed to list active agents: %v", err)
		return
	}

	now := time.Now().UTC()
	for _, monitor := range agents {
		targets, err := m.store.TargetsOf(monitor.ID)
		if err != nil {
			m.logger.Error("Failed to fetch targets of %s: %v", monitor.ID, err)
			continue
		}
		for _, targetID := range targets {
			target, err := m.store.GetAgent(targetID)
			if err != nil {
				m.logger.Error("Failed to load monitored agent %s: %v", targetID, err)
				continue
			}
			if reason := m.evaluate(target, now); reason != "" {
				m.notifyMonitors(target, reason)
			}
		}
	}
}

// evaluate returns an empty string for a healthy agent, otherwise a short
// reason describing what tripped.
func (m *MutualMonitor) evaluate(agent *persistence.Agent, now time.Time) string {
	switch agent.Status {
	case persistence.AgentError, persistence.AgentStopped:
		return "status " + string(agent.Status)
	}
	if agent.HealthScore < m.cfg.MinHealthScore {
		return "health score below threshold"
	}
	if now.Sub(agent.LastHeartbeat) > m.cfg.StalenessLimit.Std() {
		return "heartbeat stale"
	}
	return ""
}

// notifyMonitors fires an agent_failure_detected notification to every
// registered monitor of the agent. Delivery failures are logged and
// swallowed; this path never blocks a sweep.
func (m *MutualMonitor) notifyMonitors(agent *persistence.Agent, reason string) {
	monitors, err := m.store.MonitorsOf(agent.ID)
	if err != nil {
		m.logger.Error("Failed to fetch monitors of %s: %v", agent.ID, err)
		return
	}

	m.logger.Warn("Agent %s unhealthy (%s), notifying %d monitors", agent.ID, reason, len(monitors))
	for _, monitorID := range monitors {
		msg := proto.NewBusMsg(proto.MsgTypeFAILUREDETECTED, "mutual-monitor", monitorID)
		msg.SetPayload(proto.KeyAgentID, agent.ID)
		msg.SetPayload(proto.KeyAgentType, string(agent.Type))
		msg.SetPayload(proto.KeyReason, reason)
		msg.SetPayload(proto.KeyDetectedBy, "mutual-monitor")
		if err := m.bus.Publish(msg); err != nil {
			m.logger.Warn("Failed to notify monitor %s about %s: %v", monitorID, agent.ID, err)
		}
	}
}
