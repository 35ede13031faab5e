package monitor

import (
	"context"
	"time"

	"hivemind/pkg/config"
	"hivemind/pkg/failure"
	"hivemind/pkg/logx"
	"hivemind/pkg/manager"
	"hivemind/pkg/persistence"
	"hivemind/pkg/proto"
	"hivemind/pkg/sched"
)

// Requester is the slice of the bus the watchdog needs: active pings plus
// emergency broadcasts.
type Requester interface {
	Request(ctx context.Context, msg *proto.BusMsg) (*proto.BusMsg, error)
	Broadcast(msg *proto.BusMsg) error
}

// Watchdog monitors the critical agent types with a stricter heartbeat
// timeout and an active request/response ping as a second liveness signal.
type Watchdog struct {
	agents   *manager.AgentManager
	failures *failure.Handler
	bus      Requester
	cfg      config.WatchdogConfig
	logger   *logx.Logger
}

// NewWatchdog creates a watchdog over the configured critical types.
func NewWatchdog(agents *manager.AgentManager, failures *failure.Handler, bus Requester, cfg config.WatchdogConfig) *Watchdog {
	return &Watchdog{
		agents:   agents,
		failures: failures,
		bus:      bus,
		cfg:      cfg,
		logger:   logx.NewLogger("watchdog"),
	}
}

// Schedule registers the watchdog's periodic sweep.
func (w *Watchdog) Schedule(s *sched.Scheduler) *sched.Job {
	return s.ScheduleEvery("watchdog-sweep", w.cfg.Interval.Std(), w.Sweep)
}

// Sweep checks every active agent of a critical type. A stale heartbeat or
// a failed ping escalates through the failure handler.
func (w *Watchdog) Sweep(ctx context.Context) {
	defer observeSweep("watchdog", time.Now())

	agents, err := w.agents.ActiveAgents()
	if err != nil {
		w.logger.Error("Failed to list active agents: %v", err)
		return
	}

	now := time.Now().UTC()
	for _, agent := range agents {
		if !w.isCritical(agent.Type) {
			continue
		}
		if reason := w.check(ctx, agent, now); reason != "" {
			w.escalate(agent, reason)
		}
	}
}

func (w *Watchdog) isCritical(t config.AgentType) bool {
	for _, critical := range w.cfg.CriticalTypes {
		if critical == t {
			return true
		}
	}
	return false
}

// check returns an empty string for a live agent. The heartbeat check runs
// first; only agents with a fresh heartbeat get the active ping.
func (w *Watchdog) check(ctx context.Context, agent *persistence.Agent, now time.Time) string {
	if age := now.Sub(agent.LastHeartbeat); age > w.cfg.HeartbeatTimeout.Std() {
		return "heartbeat stale for " + age.Round(time.Second).String()
	}
	if err := w.ping(ctx, agent); err != nil {
		return "health ping failed: " + err.Error()
	}
	return ""
}

// ping sends a health_check request and waits up to the ping timeout for
// any response. The response content does not matter; answering at all
// proves the agent's handler is alive.
func (w *Watchdog) ping(ctx context.Context, agent *persistence.Agent) error {
	pingCtx, cancel := context.WithTimeout(ctx, w.cfg.PingTimeout.Std())
	defer cancel()

	msg := proto.NewBusMsg(proto.MsgTypeHEALTHCHECK, "watchdog", agent.ID)
	msg.SetPayload(proto.KeyAgentID, agent.ID)
	_, err := w.bus.Request(pingCtx, msg)
	return err
}

// escalate records the failure and, for the most critical type, broadcasts
// an emergency. Parentless agents cannot be restarted through a supervisor,
// so they are flagged for manual intervention instead of retried forever.
func (w *Watchdog) escalate(agent *persistence.Agent, reason string) {
	w.logger.Warn("Critical agent %s (%s) failed check: %s", agent.ID, agent.Type, reason)

	_, recovered, err := w.failures.RecordFailure(agent.ID, persistence.FailureUnresponsive, reason, "watchdog")
	if err != nil {
		w.logger.Error("Failed to record watchdog failure for %s: %v", agent.ID, err)
	}

	if agent.Type == w.cfg.EmergencyType {
		msg := proto.NewBusMsg(proto.MsgTypeEMERGENCY, "watchdog", proto.BroadcastTarget)
		msg.SetPayload(proto.KeyAgentID, agent.ID)
		msg.SetPayload(proto.KeyAgentType, string(agent.Type))
		msg.SetPayload(proto.KeyReason, reason)
		msg.SetPayload(proto.KeySeverity, "critical")
		if err := w.bus.Broadcast(msg); err != nil {
			w.logger.Error("Failed to broadcast emergency for %s: %v", agent.ID, err)
		}
	}

	if !recovered && agent.ParentID == nil {
		w.logger.Error("Agent %s is critical, parentless, and unrecovered: manual intervention required", agent.ID)
	}
}
