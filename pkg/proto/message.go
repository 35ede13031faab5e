// Package proto defines the wire types exchanged over the message bus.
package proto

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type MsgType string

const (
	MsgTypeHEARTBEAT       MsgType = "HEARTBEAT"        // Periodic liveness proof from an agent
	MsgTypeHEALTHCHECK     MsgType = "HEALTH_CHECK"     // Active liveness probe (request)
	MsgTypeHEALTHRESPONSE  MsgType = "HEALTH_RESPONSE"  // Reply to an active probe
	MsgTypeFAILUREDETECTED MsgType = "FAILURE_DETECTED" // agent_failure_detected notification to monitors
	MsgTypeEMERGENCY       MsgType = "EMERGENCY"        // Broadcast escalation for critical agents
	MsgTypeASSIGNMENT      MsgType = "ASSIGNMENT"       // Task handed to an agent
	MsgTypeDELEGATION      MsgType = "DELEGATION"       // Task moved between agents by the workload monitor
	MsgTypeERROR           MsgType = "ERROR"
	MsgTypeSHUTDOWN        MsgType = "SHUTDOWN"
)

// BroadcastTarget addresses every subscriber on the bus.
const BroadcastTarget = "*"

// Common payload keys used in bus messages.
const (
	KeyAgentID     = "agent_id"
	KeyAgentType   = "agent_type"
	KeyTaskID      = "task_id"
	KeyReason      = "reason"
	KeyFailureType = "failure_type"
	KeyDetectedBy  = "detected_by"
	KeyStatus      = "status"
	KeyContent     = "content"
	KeySeverity    = "severity"
)

// BusMsg is the single envelope type carried by the message bus.
type BusMsg struct {
	ID            string         `json:"id"`
	Type          MsgType        `json:"type"`
	From          string         `json:"from"`
	To            string         `json:"to"` // Agent id, agent type, or BroadcastTarget
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id,omitempty"` // Set on request/response pairs
}

func NewBusMsg(msgType MsgType, from, to string) *BusMsg {
	return &BusMsg{
		ID:        uuid.New().String(),
		Type:      msgType,
		From:      from,
		To:        to,
		Timestamp: time.Now().UTC(),
		Payload:   make(map[string]any),
	}
}

// NewResponse builds a reply to req, carrying the request id as its
// correlation id so the bus can complete the pending request.
func NewResponse(req *BusMsg, msgType MsgType, from string) *BusMsg {
	resp := NewBusMsg(msgType, from, req.From)
	resp.CorrelationID = req.ID
	return resp
}

func (msg *BusMsg) ToJSON() ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal BusMsg: %w", err)
	}
	return data, nil
}

func FromJSON(data []byte) (*BusMsg, error) {
	var msg BusMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal BusMsg: %w", err)
	}
	return &msg, nil
}

func (msg *BusMsg) SetPayload(key string, value any) {
	if msg.Payload == nil {
		msg.Payload = make(map[string]any)
	}
	msg.Payload[key] = value
}

func (msg *BusMsg) GetPayload(key string) (any, bool) {
	if msg.Payload == nil {
		return nil, false
	}
	val, exists := msg.Payload[key]
	return val, exists
}

// PayloadString extracts a string payload value, returning "" when absent or
// not a string.
func (msg *BusMsg) PayloadString(key string) string {
	if val, exists := msg.GetPayload(key); exists {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}

func (msg *BusMsg) Clone() *BusMsg {
	clone := &BusMsg{
		ID:            msg.ID,
		Type:          msg.Type,
		From:          msg.From,
		To:            msg.To,
		Timestamp:     msg.Timestamp,
		CorrelationID: msg.CorrelationID,
	}
	if msg.Payload != nil {
		clone.Payload = make(map[string]any, len(msg.Payload))
		for k, v := range msg.Payload {
			clone.Payload[k] = v
		}
	}
	return clone
}

func (msg *BusMsg) Validate() error {
	if msg.ID == "" {
		return fmt.Errorf("message ID is required")
	}
	if msg.From == "" {
		return fmt.Errorf("from is required")
	}
	if msg.To == "" {
		return fmt.Errorf("to is required")
	}
	if msg.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if _, valid := ValidateMsgType(string(msg.Type)); !valid {
		return fmt.Errorf("invalid message type: %s", msg.Type)
	}
	return nil
}

// ValidateMsgType validates if a string is a valid message type.
func ValidateMsgType(msgType string) (MsgType, bool) {
	switch MsgType(msgType) {
	case MsgTypeHEARTBEAT, MsgTypeHEALTHCHECK, MsgTypeHEALTHRESPONSE,
		MsgTypeFAILUREDETECTED, MsgTypeEMERGENCY, MsgTypeASSIGNMENT,
		MsgTypeDELEGATION, MsgTypeERROR, MsgTypeSHUTDOWN:
		return MsgType(msgType), true
	default:
		return "", false
	}
}

// ParseMsgType parses a string into a MsgType with validation.
func ParseMsgType(s string) (MsgType, error) {
	normalized := strings.ToUpper(s)
	if msgType, valid := ValidateMsgType(normalized); valid {
		return msgType, nil
	}
	return "", fmt.Errorf("unknown message type: %s", s)
}

func (mt MsgType) String() string {
	return string(mt)
}
