package monitor

import (
	"hivemind/pkg/logx"
	"hivemind/pkg/manager"
	"hivemind/pkg/proto"
)

// HeartbeatListener feeds bus heartbeat messages back into the agent store.
// Without it an agent's last_heartbeat never moves after spawn, and the
// watchdog and mutual monitor would escalate perfectly healthy agents.
type HeartbeatListener struct {
	agents *manager.AgentManager
	logger *logx.Logger
}

// NewHeartbeatListener creates a listener over the agent manager.
func NewHeartbeatListener(agents *manager.AgentManager) *HeartbeatListener {
	return &HeartbeatListener{
		agents: agents,
		logger: logx.NewLogger("heartbeat"),
	}
}

// Handle is a bus handler; register it under the key agents address their
// liveness reports to. Other traffic on the same key is ignored.
func (l *HeartbeatListener) Handle(msg *proto.BusMsg) {
	if msg.Type != proto.MsgTypeHEARTBEAT || msg.From == "" {
		return
	}
	if err := l.agents.Heartbeat(msg.From); err != nil {
		l.logger.Warn("Failed to record heartbeat from %s: %v", msg.From, err)
	}
}
