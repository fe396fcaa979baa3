package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// PresenceState is the payload a device tracks on the relay channel. It is
// superseded wholesale on every update; the provider removes it when the
// device leaves.
type PresenceState struct {
	DeviceID    string     `json:"device_id"`
	DeviceType  DeviceType `json:"device_type"`
	UserID      string     `json:"user_id"`
	ActiveAgent string     `json:"active_agent,omitempty"`
	SessionID   string     `json:"session_id,omitempty"`
	DeviceName  string     `json:"device_name,omitempty"`
	Platform    string     `json:"platform,omitempty"`
	OnlineAt    time.Time  `json:"online_at"`
}

// PresenceUpdate is a partial presence change. Nil fields are left untouched
// by Merge.
type PresenceUpdate struct {
	ActiveAgent *string
	SessionID   *string
	DeviceName  *string
	Platform    *string
}

// Merge applies a partial update onto p. Identity fields (device id, type,
// user id) are immutable for the lifetime of a connection and cannot be
// changed through updates.
func (p *PresenceState) Merge(update PresenceUpdate) {
	if update.ActiveAgent != nil {
		p.ActiveAgent = *update.ActiveAgent
	}
	if update.SessionID != nil {
		p.SessionID = *update.SessionID
	}
	if update.DeviceName != nil {
		p.DeviceName = *update.DeviceName
	}
	if update.Platform != nil {
		p.Platform = *update.Platform
	}
}

// EncodePresence serializes a presence state for the provider's track call.
func EncodePresence(state PresenceState) ([]byte, error) {
	return json.Marshal(state)
}

// DecodePresence parses a presence payload received from the provider.
func DecodePresence(data []byte) (PresenceState, error) {
	var state PresenceState
	if err := json.Unmarshal(data, &state); err != nil {
		return PresenceState{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if state.DeviceID == "" {
		return PresenceState{}, fmt.Errorf("%w: presence missing device_id", ErrMalformedMessage)
	}
	return state, nil
}
