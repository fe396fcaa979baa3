package agentrelay

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/agentrelay/protocol"
	"github.com/opd-ai/agentrelay/transport"
)

func testOptions(userID, deviceID string, deviceType protocol.DeviceType) *Options {
	opts := NewOptions(userID, deviceID, deviceType)
	opts.HeartbeatInterval = time.Hour // keep heartbeats out of tests that don't need them
	opts.retryDelay = func(int) time.Duration { return time.Millisecond }
	return opts
}

func waitForState(t *testing.T, cm *ConnectionManager, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return cm.State() == want
	}, 2*time.Second, 5*time.Millisecond, "state never reached %s", want)
}

func TestConnectLifecycle(t *testing.T) {
	provider := transport.NewMemoryProvider()
	cm, err := NewConnectionManager(provider, testOptions("user-42", "cli-1", protocol.DeviceCLI))
	require.NoError(t, err)

	assert.Equal(t, StateDisconnected, cm.State())
	assert.Equal(t, "relay:user-42", cm.ChannelName())

	var mu sync.Mutex
	var states []State
	cm.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	cm.Connect()
	waitForState(t, cm, StateConnected)

	mu.Lock()
	assert.Equal(t, []State{StateConnecting, StateConnected}, states)
	mu.Unlock()

	presence, tracked := cm.Presence()
	assert.True(t, tracked)
	assert.Equal(t, "cli-1", presence.DeviceID)
	assert.Equal(t, "user-42", presence.UserID)
	assert.False(t, presence.OnlineAt.IsZero())

	// Connect while connected is a no-op.
	cm.Connect()
	assert.Equal(t, StateConnected, cm.State())

	cm.Disconnect()
	assert.Equal(t, StateDisconnected, cm.State())
	_, tracked = cm.Presence()
	assert.False(t, tracked)
	assert.Empty(t, cm.Peers())
}

func TestTwoDevicePresenceSync(t *testing.T) {
	provider := transport.NewMemoryProvider()

	cli, err := NewConnectionManager(provider, testOptions("user-42", "cli-1", protocol.DeviceCLI))
	require.NoError(t, err)
	mobile, err := NewConnectionManager(provider, testOptions("user-42", "mobile-1", protocol.DeviceMobile))
	require.NoError(t, err)

	cli.Connect()
	waitForState(t, cli, StateConnected)
	mobile.Connect()
	waitForState(t, mobile, StateConnected)

	require.Eventually(t, func() bool {
		return len(cli.Peers()) == 1 && len(mobile.Peers()) == 1
	}, 2*time.Second, 5*time.Millisecond, "each device must observe exactly one peer")

	cliPeers := cli.Peers()
	require.Len(t, cliPeers, 1)
	assert.Equal(t, "mobile-1", cliPeers[0].DeviceID, "cli never observes itself")
	assert.Equal(t, protocol.DeviceMobile, cliPeers[0].DeviceType)

	mobilePeers := mobile.Peers()
	require.Len(t, mobilePeers, 1)
	assert.Equal(t, "cli-1", mobilePeers[0].DeviceID, "mobile never observes itself")

	// Peer leave is observed when the other side disconnects.
	var left protocol.PresenceState
	var mu sync.Mutex
	cli.OnPeerLeave(func(state protocol.PresenceState) {
		mu.Lock()
		left = state
		mu.Unlock()
	})

	mobile.Disconnect()
	require.Eventually(t, func() bool {
		return len(cli.Peers()) == 0
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, "mobile-1", left.DeviceID)
	mu.Unlock()

	cli.Disconnect()
}

func TestUpdatePresence(t *testing.T) {
	provider := transport.NewMemoryProvider()

	cli, err := NewConnectionManager(provider, testOptions("user-42", "cli-1", protocol.DeviceCLI))
	require.NoError(t, err)
	mobile, err := NewConnectionManager(provider, testOptions("user-42", "mobile-1", protocol.DeviceMobile))
	require.NoError(t, err)

	// Before the initial track, updates are rejected.
	agent := "refactor-bot"
	err = cli.UpdatePresence(protocol.PresenceUpdate{ActiveAgent: &agent})
	assert.ErrorIs(t, err, ErrPresenceNotTracked)

	cli.Connect()
	waitForState(t, cli, StateConnected)
	mobile.Connect()
	waitForState(t, mobile, StateConnected)

	var mu sync.Mutex
	updates := make(map[string]string)
	mobile.OnPeerJoin(func(state protocol.PresenceState) {
		mu.Lock()
		updates[state.DeviceID] = state.ActiveAgent
		mu.Unlock()
	})

	require.NoError(t, cli.UpdatePresence(protocol.PresenceUpdate{ActiveAgent: &agent}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return updates["cli-1"] == "refactor-bot"
	}, 2*time.Second, 5*time.Millisecond)

	presence, _ := cli.Presence()
	assert.Equal(t, "refactor-bot", presence.ActiveAgent)
	assert.Equal(t, "cli-1", presence.DeviceID, "identity fields survive the merge")

	cli.Disconnect()
	mobile.Disconnect()
}

func TestReconnectExhaustionIsTerminal(t *testing.T) {
	provider := transport.NewMemoryProvider()
	subErr := errors.New("provider down")
	provider.FailSubscribes(subErr)

	cm, err := NewConnectionManager(provider, testOptions("user-42", "cli-1", protocol.DeviceCLI))
	require.NoError(t, err)

	var mu sync.Mutex
	var gotExhausted bool
	cm.OnError(func(err error) {
		mu.Lock()
		if errors.Is(err, ErrReconnectExhausted) {
			gotExhausted = true
		}
		mu.Unlock()
	})

	cm.Connect()
	waitForState(t, cm, StateError)

	mu.Lock()
	assert.True(t, gotExhausted, "terminal error must be surfaced")
	mu.Unlock()

	// No further attempts are scheduled: the state holds until Connect.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateError, cm.State())

	// An explicit Connect resets the budget and succeeds once the provider
	// recovers.
	provider.FailSubscribes(nil)
	cm.Connect()
	waitForState(t, cm, StateConnected)

	cm.Disconnect()
}

func TestHeartbeatFailureTriggersReconnect(t *testing.T) {
	provider := transport.NewMemoryProvider()

	opts := testOptions("user-42", "cli-1", protocol.DeviceCLI)
	opts.HeartbeatInterval = 10 * time.Millisecond

	cm, err := NewConnectionManager(provider, opts)
	require.NoError(t, err)

	var mu sync.Mutex
	var sawReconnecting bool
	cm.OnStateChange(func(s State) {
		mu.Lock()
		if s == StateReconnecting {
			sawReconnecting = true
		}
		mu.Unlock()
	})

	cm.Connect()
	waitForState(t, cm, StateConnected)

	// Break sends: the next heartbeat funnels into reconnection without
	// waiting for another tick, and recovery is automatic.
	provider.FailSends(errors.New("socket closed"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sawReconnecting
	}, 2*time.Second, 2*time.Millisecond, "heartbeat failure must enter the reconnecting state")

	provider.FailSends(nil)
	waitForState(t, cm, StateConnected)

	cm.Disconnect()
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	provider := transport.NewMemoryProvider()
	provider.FailSubscribes(errors.New("provider down"))

	opts := testOptions("user-42", "cli-1", protocol.DeviceCLI)
	opts.retryDelay = func(int) time.Duration { return time.Hour }

	cm, err := NewConnectionManager(provider, opts)
	require.NoError(t, err)

	cm.Connect()
	waitForState(t, cm, StateReconnecting)

	cm.Disconnect()
	assert.Equal(t, StateDisconnected, cm.State())

	// The cancelled backoff timer must not resurrect the lifecycle.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, StateDisconnected, cm.State())
}

func TestNewConnectionManagerValidation(t *testing.T) {
	provider := transport.NewMemoryProvider()

	_, err := NewConnectionManager(nil, NewOptions("u", "d", protocol.DeviceCLI))
	assert.Error(t, err)

	_, err = NewConnectionManager(provider, nil)
	assert.Error(t, err)

	_, err = NewConnectionManager(provider, NewOptions("", "d", protocol.DeviceCLI))
	assert.Error(t, err)

	_, err = NewConnectionManager(provider, NewOptions("u", "", protocol.DeviceCLI))
	assert.Error(t, err)

	_, err = NewConnectionManager(provider, NewOptions("u", "d", protocol.DeviceType("toaster")))
	assert.Error(t, err)
}
