package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BroadcastEvent is the provider broadcast event name carrying relay messages.
const BroadcastEvent = "message"

// MessageType discriminates the payload shape of a relay message.
type MessageType string

const (
	TypeChat               MessageType = "chat"
	TypeAgentResponse      MessageType = "agent_response"
	TypePermissionRequest  MessageType = "permission_request"
	TypePermissionResponse MessageType = "permission_response"
	TypeSessionState       MessageType = "session_state"
	TypeCostUpdate         MessageType = "cost_update"
	TypeCommand            MessageType = "command"
	TypeAck                MessageType = "ack"
)

// DeviceType identifies which class of peer sent a message.
type DeviceType string

const (
	DeviceCLI    DeviceType = "cli"
	DeviceMobile DeviceType = "mobile"
	DeviceWeb    DeviceType = "web"
)

var (
	// ErrUnknownMessageType indicates a type discriminator outside the
	// closed set above.
	ErrUnknownMessageType = errors.New("unknown message type")
	// ErrMalformedMessage indicates an envelope or payload that failed to
	// decode.
	ErrMalformedMessage = errors.New("malformed message")
)

// Message is the relay envelope. ID is globally unique per send and is the
// correlation key for acks and queue deduplication. Timestamp is assigned
// when the message is constructed, not when it is queued or transmitted.
type Message struct {
	ID             string          `json:"id"`
	Type           MessageType     `json:"type"`
	Timestamp      time.Time       `json:"timestamp"`
	SenderDeviceID string          `json:"sender_device_id"`
	SenderType     DeviceType      `json:"sender_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`

	// Encrypted marks a payload sealed with NaCl box; Nonce carries the
	// 24-byte nonce generated for that seal.
	Encrypted bool   `json:"encrypted,omitempty"`
	Nonce     []byte `json:"nonce,omitempty"`
}

// New constructs a message of the given type with a fresh unique id, the
// construction-time timestamp, and the JSON encoding of payload. Sender
// fields are filled in by the router before transmission.
func New(msgType MessageType, payload interface{}) (Message, error) {
	if !ValidType(msgType) {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, msgType)
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode payload: %w", err)
		}
		raw = data
	}

	return Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// ValidType reports whether t is a member of the closed message-type set.
func ValidType(t MessageType) bool {
	switch t {
	case TypeChat, TypeAgentResponse, TypePermissionRequest, TypePermissionResponse,
		TypeSessionState, TypeCostUpdate, TypeCommand, TypeAck:
		return true
	}
	return false
}

// Marshal encodes a message for the wire.
func Marshal(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Unmarshal decodes a wire message and validates its envelope. A remote peer
// sending garbage must never crash the local listener, so every defect is
// reported as ErrMalformedMessage (or ErrUnknownMessageType) for the caller
// to drop.
func Unmarshal(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.ID == "" {
		return Message{}, fmt.Errorf("%w: missing id", ErrMalformedMessage)
	}
	if !ValidType(msg.Type) {
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type)
	}
	return msg, nil
}
