package protocol

import (
	"encoding/json"
	"fmt"
)

// ChatPayload is a user message typed on either device.
type ChatPayload struct {
	SessionID string `json:"session_id,omitempty"`
	Content   string `json:"content"`
}

// AgentResponsePayload streams agent output from the cli device. Final marks
// the last chunk of a turn.
type AgentResponsePayload struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
	Final     bool   `json:"final,omitempty"`
}

// PermissionRequestPayload asks the remote device to approve a tool use.
type PermissionRequestPayload struct {
	RequestID   string `json:"request_id"`
	SessionID   string `json:"session_id,omitempty"`
	Tool        string `json:"tool"`
	Description string `json:"description,omitempty"`
}

// PermissionResponsePayload answers a pending permission request.
type PermissionResponsePayload struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
}

// SessionStatePayload reports the cli device's active session lifecycle.
type SessionStatePayload struct {
	SessionID   string `json:"session_id"`
	State       string `json:"state"`
	ActiveAgent string `json:"active_agent,omitempty"`
}

// CostUpdatePayload carries running token and spend totals for a session.
type CostUpdatePayload struct {
	SessionID    string  `json:"session_id"`
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
}

// Command actions understood by the cli device. Ping doubles as the
// connection heartbeat.
const (
	ActionPing      = "ping"
	ActionCancel    = "cancel"
	ActionInterrupt = "interrupt"
	ActionResume    = "resume"
)

// CommandPayload is a control instruction for the remote device.
type CommandPayload struct {
	Action    string            `json:"action"`
	SessionID string            `json:"session_id,omitempty"`
	Args      map[string]string `json:"args,omitempty"`
}

// AckPayload confirms receipt of the message identified by MessageID.
type AckPayload struct {
	MessageID string `json:"message_id"`
}

func decodePayload(msg Message, want MessageType, out interface{}) error {
	if msg.Type != want {
		return fmt.Errorf("%w: have %q, want %q", ErrMalformedMessage, msg.Type, want)
	}
	if msg.Encrypted {
		return fmt.Errorf("%w: payload still encrypted", ErrMalformedMessage)
	}
	if err := json.Unmarshal(msg.Payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}

// DecodeChat extracts the chat payload from msg.
func DecodeChat(msg Message) (ChatPayload, error) {
	var p ChatPayload
	err := decodePayload(msg, TypeChat, &p)
	return p, err
}

// DecodeAgentResponse extracts the agent response payload from msg.
func DecodeAgentResponse(msg Message) (AgentResponsePayload, error) {
	var p AgentResponsePayload
	err := decodePayload(msg, TypeAgentResponse, &p)
	return p, err
}

// DecodePermissionRequest extracts the permission request payload from msg.
func DecodePermissionRequest(msg Message) (PermissionRequestPayload, error) {
	var p PermissionRequestPayload
	err := decodePayload(msg, TypePermissionRequest, &p)
	return p, err
}

// DecodePermissionResponse extracts the permission response payload from msg.
func DecodePermissionResponse(msg Message) (PermissionResponsePayload, error) {
	var p PermissionResponsePayload
	err := decodePayload(msg, TypePermissionResponse, &p)
	return p, err
}

// DecodeSessionState extracts the session state payload from msg.
func DecodeSessionState(msg Message) (SessionStatePayload, error) {
	var p SessionStatePayload
	err := decodePayload(msg, TypeSessionState, &p)
	return p, err
}

// DecodeCostUpdate extracts the cost update payload from msg.
func DecodeCostUpdate(msg Message) (CostUpdatePayload, error) {
	var p CostUpdatePayload
	err := decodePayload(msg, TypeCostUpdate, &p)
	return p, err
}

// DecodeCommand extracts the command payload from msg.
func DecodeCommand(msg Message) (CommandPayload, error) {
	var p CommandPayload
	err := decodePayload(msg, TypeCommand, &p)
	return p, err
}

// DecodeAck extracts the ack payload from msg.
func DecodeAck(msg Message) (AckPayload, error) {
	var p AckPayload
	err := decodePayload(msg, TypeAck, &p)
	return p, err
}
