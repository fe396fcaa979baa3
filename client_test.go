package agentrelay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/agentrelay/protocol"
	"github.com/opd-ai/agentrelay/queue"
	"github.com/opd-ai/agentrelay/transport"
)

func newTestClient(t *testing.T, provider *transport.MemoryProvider, deviceID string, deviceType protocol.DeviceType) *Client {
	t.Helper()
	client, err := NewClient(provider, queue.NewMemoryStore(), testOptions("user-42", deviceID, deviceType))
	require.NoError(t, err)
	t.Cleanup(client.Disconnect)
	return client
}

func TestClientQueuesWhileOffline(t *testing.T) {
	provider := transport.NewMemoryProvider()
	client := newTestClient(t, provider, "cli-1", protocol.DeviceCLI)

	queued, err := client.SendChat(context.Background(), "sess-1", "typed before connecting")
	require.NoError(t, err)
	assert.True(t, queued)

	n, err := client.Queue().Len()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestClientDrainsQueueOnConnect(t *testing.T) {
	provider := transport.NewMemoryProvider()
	ctx := context.Background()

	mobile := newTestClient(t, provider, "mobile-1", protocol.DeviceMobile)
	mobile.Connect()
	waitForState(t, mobile.Manager(), StateConnected)

	var mu sync.Mutex
	var received []protocol.Message
	mobile.Router().OnMessage(func(msg protocol.Message) {
		mu.Lock()
		received = append(received, msg)
		mu.Unlock()
	})

	cli := newTestClient(t, provider, "cli-1", protocol.DeviceCLI)

	// Queued while offline, in reverse priority order of delivery.
	ackQueued, err := cli.Send(ctx, mustMessage(t, protocol.TypeAck, protocol.AckPayload{MessageID: "m-1"}))
	require.NoError(t, err)
	require.True(t, ackQueued)

	chatQueued, err := cli.SendChat(ctx, "sess-1", "written on the train")
	require.NoError(t, err)
	require.True(t, chatQueued)

	cancelQueued, err := cli.SendCommand(ctx, protocol.CommandPayload{Action: protocol.ActionCancel, SessionID: "sess-1"})
	require.NoError(t, err)
	require.True(t, cancelQueued)

	cli.Connect()
	waitForState(t, cli.Manager(), StateConnected)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 3
	}, 2*time.Second, 5*time.Millisecond, "the drain must replay everything queued offline")

	mu.Lock()
	types := []protocol.MessageType{received[0].Type, received[1].Type, received[2].Type}
	mu.Unlock()
	assert.Equal(t, []protocol.MessageType{protocol.TypeCommand, protocol.TypeChat, protocol.TypeAck}, types,
		"drain goes highest priority first")

	require.Eventually(t, func() bool {
		n, err := cli.Queue().Len()
		return err == nil && n == 0
	}, 2*time.Second, 5*time.Millisecond)

	stats, err := cli.Queue().Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), stats.Sent)
}

func TestClientSendsDirectlyWhenConnected(t *testing.T) {
	provider := transport.NewMemoryProvider()

	mobile := newTestClient(t, provider, "mobile-1", protocol.DeviceMobile)
	mobile.Connect()
	waitForState(t, mobile.Manager(), StateConnected)

	var mu sync.Mutex
	var got protocol.PermissionResponsePayload
	mobile.Router().OnPermissionResponse(func(_ protocol.Message, p protocol.PermissionResponsePayload) {
		mu.Lock()
		got = p
		mu.Unlock()
	})

	cli := newTestClient(t, provider, "cli-1", protocol.DeviceCLI)
	cli.Connect()
	waitForState(t, cli.Manager(), StateConnected)

	queued, err := cli.SendPermissionResponse(context.Background(), "req-1", false)
	require.NoError(t, err)
	assert.False(t, queued, "live sends bypass the queue")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.RequestID == "req-1"
	}, 2*time.Second, 5*time.Millisecond)

	n, err := cli.Queue().Len()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestClientQueuedMessageKeepsOriginalEnvelope(t *testing.T) {
	provider := transport.NewMemoryProvider()
	ctx := context.Background()

	mobile := newTestClient(t, provider, "mobile-1", protocol.DeviceMobile)
	mobile.Connect()
	waitForState(t, mobile.Manager(), StateConnected)

	var mu sync.Mutex
	var got protocol.Message
	mobile.Router().OnMessage(func(msg protocol.Message) {
		mu.Lock()
		got = msg
		mu.Unlock()
	})

	cli := newTestClient(t, provider, "cli-1", protocol.DeviceCLI)

	msg := mustMessage(t, protocol.TypeChat, protocol.ChatPayload{Content: "hold this"})
	queued, err := cli.Send(ctx, msg)
	require.NoError(t, err)
	require.True(t, queued)

	cli.Connect()
	waitForState(t, cli.Manager(), StateConnected)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.ID != ""
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, msg.ID, got.ID, "the queued envelope id survives the drain")
	assert.True(t, got.Timestamp.Equal(msg.Timestamp), "the construction-time timestamp survives the drain")
	assert.Equal(t, "cli-1", got.SenderDeviceID)
}

func mustMessage(t *testing.T, msgType protocol.MessageType, payload interface{}) protocol.Message {
	t.Helper()
	msg, err := protocol.New(msgType, payload)
	require.NoError(t, err)
	return msg
}
