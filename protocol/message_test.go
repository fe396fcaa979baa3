package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsEnvelope(t *testing.T) {
	before := time.Now().UTC()
	msg, err := New(TypeChat, ChatPayload{Content: "hello"})
	require.NoError(t, err)
	after := time.Now().UTC()

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, TypeChat, msg.Type)
	assert.False(t, msg.Timestamp.Before(before))
	assert.False(t, msg.Timestamp.After(after))

	// Ids must be unique per construction.
	msg2, err := New(TypeChat, ChatPayload{Content: "hello"})
	require.NoError(t, err)
	assert.NotEqual(t, msg.ID, msg2.ID)
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(MessageType("telemetry"), nil)
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	msg, err := New(TypePermissionRequest, PermissionRequestPayload{
		RequestID:   "req-1",
		SessionID:   "sess-9",
		Tool:        "bash",
		Description: "run the test suite",
	})
	require.NoError(t, err)
	msg.SenderDeviceID = "cli-1"
	msg.SenderType = DeviceCLI

	data, err := Marshal(msg)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, DeviceCLI, decoded.SenderType)

	payload, err := DecodePermissionRequest(decoded)
	require.NoError(t, err)
	assert.Equal(t, "req-1", payload.RequestID)
	assert.Equal(t, "bash", payload.Tool)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	cases := []struct {
		name string
		data string
	}{
		{"not json", "??not-json??"},
		{"missing id", `{"type":"chat","payload":{"content":"x"}}`},
		{"unknown type", `{"id":"m1","type":"telemetry"}`},
		{"wrong shape", `[1,2,3]`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tc.data))
			assert.Error(t, err)
		})
	}
}

func TestDecodeWrongTypeFails(t *testing.T) {
	msg, err := New(TypeChat, ChatPayload{Content: "hi"})
	require.NoError(t, err)

	_, err = DecodeAck(msg)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecodeEncryptedPayloadFails(t *testing.T) {
	msg, err := New(TypeChat, ChatPayload{Content: "hi"})
	require.NoError(t, err)
	msg.Encrypted = true

	_, err = DecodeChat(msg)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestPriorityTable(t *testing.T) {
	mustNew := func(msgType MessageType, payload interface{}) Message {
		msg, err := New(msgType, payload)
		require.NoError(t, err)
		return msg
	}

	cases := []struct {
		name string
		msg  Message
		want int
	}{
		{"permission response", mustNew(TypePermissionResponse, PermissionResponsePayload{RequestID: "r", Approved: true}), PriorityCritical},
		{"cancel command", mustNew(TypeCommand, CommandPayload{Action: ActionCancel}), PriorityCritical},
		{"interrupt command", mustNew(TypeCommand, CommandPayload{Action: ActionInterrupt}), PriorityCritical},
		{"ping command", mustNew(TypeCommand, CommandPayload{Action: ActionPing}), PriorityNormal},
		{"chat", mustNew(TypeChat, ChatPayload{Content: "x"}), PriorityHigh},
		{"ack", mustNew(TypeAck, AckPayload{MessageID: "m"}), PriorityLow},
		{"cost update", mustNew(TypeCostUpdate, CostUpdatePayload{SessionID: "s"}), PriorityNormal},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, PriorityFor(tc.msg))
		})
	}
}

func TestPresenceMerge(t *testing.T) {
	state := PresenceState{
		DeviceID:   "cli-1",
		DeviceType: DeviceCLI,
		UserID:     "user-42",
		DeviceName: "workstation",
		OnlineAt:   time.Now().UTC(),
	}

	agent := "refactor-bot"
	session := "sess-3"
	state.Merge(PresenceUpdate{ActiveAgent: &agent, SessionID: &session})

	assert.Equal(t, "refactor-bot", state.ActiveAgent)
	assert.Equal(t, "sess-3", state.SessionID)
	assert.Equal(t, "workstation", state.DeviceName, "unset fields stay untouched")
	assert.Equal(t, "cli-1", state.DeviceID)
}

func TestPresenceCodec(t *testing.T) {
	state := PresenceState{
		DeviceID:   "mobile-1",
		DeviceType: DeviceMobile,
		UserID:     "user-42",
		Platform:   "ios",
		OnlineAt:   time.Now().UTC().Truncate(time.Second),
	}

	data, err := EncodePresence(state)
	require.NoError(t, err)

	decoded, err := DecodePresence(data)
	require.NoError(t, err)
	assert.Equal(t, state.DeviceID, decoded.DeviceID)
	assert.Equal(t, state.Platform, decoded.Platform)

	_, err = DecodePresence([]byte(`{"user_id":"user-42"}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = DecodePresence([]byte("not-json"))
	assert.Error(t, err)
}
