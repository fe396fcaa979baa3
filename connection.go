package agentrelay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/agentrelay/protocol"
	"github.com/opd-ai/agentrelay/transport"
)

// State is the connection lifecycle state.
type State string

const (
	// StateDisconnected is the idle state; entered only through Disconnect
	// or at construction.
	StateDisconnected State = "disconnected"
	// StateConnecting means a subscribe attempt is in flight.
	StateConnecting State = "connecting"
	// StateConnected means the channel is live and presence is tracked.
	StateConnected State = "connected"
	// StateReconnecting means a failed connection is waiting out its
	// backoff delay before the next attempt.
	StateReconnecting State = "reconnecting"
	// StateError is terminal: reconnect attempts are exhausted and nothing
	// happens until Connect is called again.
	StateError State = "error"
)

var (
	// ErrNotConnected indicates a send while the channel is not live. The
	// caller decides whether to queue the message.
	ErrNotConnected = errors.New("not connected")
	// ErrPresenceNotTracked indicates UpdatePresence before the initial
	// presence track completed.
	ErrPresenceNotTracked = errors.New("presence not tracked")
	// ErrReconnectExhausted is reported through the error callback when the
	// reconnect attempt budget runs out.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// ConnectionManager owns one channel subscription per authenticated user
// session and keeps it alive: subscribe, presence tracking, heartbeat,
// failure detection and serialized reconnection with exponential backoff.
//
// Construct one instance at process start and share it by reference; the
// relay never uses hidden global state, so tests run independent managers
// side by side.
type ConnectionManager struct {
	opts     *Options
	provider transport.Provider

	mu      sync.Mutex
	state   State
	channel transport.Channel
	// epoch increments whenever a new connection lifecycle begins, so a
	// stale async completion from an earlier channel cannot corrupt the
	// current one.
	epoch             uint64
	presence          protocol.PresenceState
	tracked           bool
	peers             map[string]protocol.PresenceState
	reconnectAttempts int
	reconnectTimer    *time.Timer
	heartbeatStop     chan struct{}

	stateCallback     func(State)
	peerJoinCallback  func(protocol.PresenceState)
	peerLeaveCallback func(protocol.PresenceState)
	errorCallback     func(error)
	broadcastHandler  func(event string, payload []byte)
}

// NewConnectionManager creates a manager for the given provider and options.
func NewConnectionManager(provider transport.Provider, opts *Options) (*ConnectionManager, error) {
	if provider == nil {
		return nil, errors.New("provider is required")
	}
	if opts == nil {
		return nil, errors.New("options are required")
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	return &ConnectionManager{
		opts:     opts,
		provider: provider,
		state:    StateDisconnected,
		peers:    make(map[string]protocol.PresenceState),
	}, nil
}

// ChannelName returns the relay channel for this user session.
func (cm *ConnectionManager) ChannelName() string {
	return "relay:" + cm.opts.UserID
}

// State returns the current lifecycle state.
func (cm *ConnectionManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Peers returns the currently online peer devices, self excluded.
func (cm *ConnectionManager) Peers() []protocol.PresenceState {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	peers := make([]protocol.PresenceState, 0, len(cm.peers))
	for _, peer := range cm.peers {
		peers = append(peers, peer)
	}
	return peers
}

// Presence returns this device's tracked presence state and whether the
// initial track has completed.
func (cm *ConnectionManager) Presence() (protocol.PresenceState, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.presence, cm.tracked
}

// OnStateChange registers the lifecycle state callback.
func (cm *ConnectionManager) OnStateChange(callback func(State)) {
	cm.mu.Lock()
	cm.stateCallback = callback
	cm.mu.Unlock()
}

// OnPeerJoin registers the callback for a peer device coming online or
// updating its presence.
func (cm *ConnectionManager) OnPeerJoin(callback func(protocol.PresenceState)) {
	cm.mu.Lock()
	cm.peerJoinCallback = callback
	cm.mu.Unlock()
}

// OnPeerLeave registers the callback for a peer device going offline.
func (cm *ConnectionManager) OnPeerLeave(callback func(protocol.PresenceState)) {
	cm.mu.Lock()
	cm.peerLeaveCallback = callback
	cm.mu.Unlock()
}

// OnError registers the callback for asynchronous connection errors.
// Connect never fails synchronously; subscribe timeouts, channel failures
// and reconnect exhaustion all surface here.
func (cm *ConnectionManager) OnError(callback func(error)) {
	cm.mu.Lock()
	cm.errorCallback = callback
	cm.mu.Unlock()
}

// onBroadcast registers the inbound message hook. The router owns it.
func (cm *ConnectionManager) onBroadcast(handler func(event string, payload []byte)) {
	cm.mu.Lock()
	cm.broadcastHandler = handler
	cm.mu.Unlock()
}

// Connect starts a connection lifecycle. It is a no-op while connected or
// connecting, and it resets the retry budget when called from the terminal
// error state.
func (cm *ConnectionManager) Connect() {
	cm.mu.Lock()
	if cm.state == StateConnected || cm.state == StateConnecting {
		cm.mu.Unlock()
		return
	}

	cm.cancelReconnectLocked()
	cm.reconnectAttempts = 0
	cm.epoch++
	epoch := cm.epoch
	notify := cm.setStateLocked(StateConnecting)
	cm.mu.Unlock()

	notify()
	go cm.connectAttempt(epoch)
}

// Disconnect ends the lifecycle cleanly: stops the heartbeat, cancels any
// pending reconnect, unsubscribes and clears presence and peers. This is the
// only path into the disconnected state.
func (cm *ConnectionManager) Disconnect() {
	cm.mu.Lock()
	cm.epoch++
	cm.cancelReconnectLocked()
	cm.stopHeartbeatLocked()
	channel := cm.channel
	cm.channel = nil
	cm.tracked = false
	cm.presence = protocol.PresenceState{}
	cm.peers = make(map[string]protocol.PresenceState)
	cm.reconnectAttempts = 0
	notify := cm.setStateLocked(StateDisconnected)
	cm.mu.Unlock()

	if channel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := channel.Untrack(ctx); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Disconnect",
				"channel":  cm.ChannelName(),
				"error":    err.Error(),
			}).Debug("Untrack on disconnect failed")
		}
		cancel()
		if err := channel.Unsubscribe(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Disconnect",
				"channel":  cm.ChannelName(),
				"error":    err.Error(),
			}).Debug("Unsubscribe on disconnect failed")
		}
	}
	notify()
}

// Send broadcasts an event over the live channel. It fails with
// ErrNotConnected when the channel is not live; callers needing offline
// durability catch that and enqueue.
func (cm *ConnectionManager) Send(ctx context.Context, event string, payload []byte) error {
	cm.mu.Lock()
	if cm.state != StateConnected || cm.channel == nil {
		cm.mu.Unlock()
		return ErrNotConnected
	}
	channel := cm.channel
	cm.mu.Unlock()

	return channel.Send(ctx, event, payload)
}

// UpdatePresence merges a partial update into the tracked presence state and
// re-tracks it. It must not be called before the initial track completed.
func (cm *ConnectionManager) UpdatePresence(update protocol.PresenceUpdate) error {
	cm.mu.Lock()
	if !cm.tracked || cm.channel == nil {
		cm.mu.Unlock()
		return ErrPresenceNotTracked
	}
	cm.presence.Merge(update)
	presence := cm.presence
	channel := cm.channel
	cm.mu.Unlock()

	data, err := protocol.EncodePresence(presence)
	if err != nil {
		return fmt.Errorf("encode presence: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cm.opts.ConnectionTimeout)
	defer cancel()
	return channel.Track(ctx, data)
}

// connectAttempt runs one subscribe+track cycle. Any failure funnels into
// reconnect scheduling; a completion that lost the epoch race is discarded.
func (cm *ConnectionManager) connectAttempt(epoch uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), cm.opts.ConnectionTimeout)
	defer cancel()

	channel := cm.provider.Channel(cm.ChannelName(), transport.ChannelConfig{
		PresenceKey:   cm.opts.DeviceID,
		SelfBroadcast: false,
	})

	handlers := transport.Handlers{
		OnBroadcast: func(event string, payload []byte) {
			cm.handleBroadcast(epoch, event, payload)
		},
		OnPresenceSync: func(states map[string][]byte) {
			cm.handlePresenceSync(epoch, states)
		},
		OnPresenceJoin: func(key string, state []byte) {
			cm.handlePresenceJoin(epoch, state)
		},
		OnPresenceLeave: func(key string, state []byte) {
			cm.handlePresenceLeave(epoch, state)
		},
		OnError: func(err error) {
			cm.handleChannelFailure(epoch, err)
		},
	}

	logrus.WithFields(logrus.Fields{
		"function":  "connectAttempt",
		"channel":   cm.ChannelName(),
		"device_id": cm.opts.DeviceID,
	}).Info("Subscribing to relay channel")

	if err := channel.Subscribe(ctx, handlers); err != nil {
		cm.connectFailed(epoch, fmt.Errorf("subscribe %s: %w", cm.ChannelName(), err))
		return
	}

	cm.mu.Lock()
	if cm.epoch != epoch {
		cm.mu.Unlock()
		channel.Unsubscribe()
		return
	}
	cm.channel = channel
	cm.mu.Unlock()

	presence := protocol.PresenceState{
		DeviceID:   cm.opts.DeviceID,
		DeviceType: cm.opts.DeviceType,
		UserID:     cm.opts.UserID,
		DeviceName: cm.opts.DeviceName,
		Platform:   cm.opts.Platform,
		OnlineAt:   time.Now().UTC(),
	}

	data, err := protocol.EncodePresence(presence)
	if err == nil {
		err = channel.Track(ctx, data)
	}
	if err != nil {
		channel.Unsubscribe()
		cm.connectFailed(epoch, fmt.Errorf("track presence: %w", err))
		return
	}

	cm.mu.Lock()
	if cm.epoch != epoch {
		cm.mu.Unlock()
		channel.Unsubscribe()
		return
	}
	cm.presence = presence
	cm.tracked = true
	cm.reconnectAttempts = 0
	stop := make(chan struct{})
	cm.heartbeatStop = stop
	notify := cm.setStateLocked(StateConnected)
	cm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "connectAttempt",
		"channel":   cm.ChannelName(),
		"device_id": cm.opts.DeviceID,
	}).Info("Relay channel connected")

	notify()
	go cm.heartbeatLoop(epoch, stop)
}

// connectFailed reports a failed attempt and schedules the next one.
func (cm *ConnectionManager) connectFailed(epoch uint64, err error) {
	cm.mu.Lock()
	if cm.epoch != epoch {
		cm.mu.Unlock()
		return
	}
	cm.channel = nil
	errCallback := cm.errorCallback
	notify := cm.scheduleReconnectLocked()
	cm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "connectFailed",
		"channel":  cm.ChannelName(),
		"error":    err.Error(),
	}).Warn("Connection attempt failed")

	if errCallback != nil {
		errCallback(err)
	}
	notify()
}

// handleChannelFailure reacts to a live-channel failure (provider error or
// heartbeat send failure): tear the channel down and schedule a reconnect
// immediately.
func (cm *ConnectionManager) handleChannelFailure(epoch uint64, err error) {
	cm.mu.Lock()
	if cm.epoch != epoch || cm.state != StateConnected {
		cm.mu.Unlock()
		return
	}
	cm.stopHeartbeatLocked()
	channel := cm.channel
	cm.channel = nil
	cm.tracked = false
	cm.peers = make(map[string]protocol.PresenceState)
	errCallback := cm.errorCallback
	notify := cm.scheduleReconnectLocked()
	cm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handleChannelFailure",
		"channel":  cm.ChannelName(),
		"error":    err.Error(),
	}).Warn("Relay channel failed")

	if channel != nil {
		go channel.Unsubscribe()
	}
	if errCallback != nil {
		errCallback(err)
	}
	notify()
}

// scheduleReconnectLocked arms the backoff timer for the next attempt, or
// enters the terminal error state when the budget is exhausted. Reconnect
// attempts are serialized: at most one timer, at most one attempt in flight.
func (cm *ConnectionManager) scheduleReconnectLocked() func() {
	if cm.reconnectAttempts >= cm.opts.maxReconnectAttempts {
		attempts := cm.reconnectAttempts
		errCallback := cm.errorCallback
		notify := cm.setStateLocked(StateError)
		return func() {
			notify()
			logrus.WithFields(logrus.Fields{
				"function": "scheduleReconnect",
				"channel":  cm.ChannelName(),
				"attempts": attempts,
			}).Error("Reconnect attempts exhausted")
			if errCallback != nil {
				errCallback(fmt.Errorf("%w after %d attempts", ErrReconnectExhausted, attempts))
			}
		}
	}

	cm.reconnectAttempts++
	delay := cm.opts.retryDelay(cm.reconnectAttempts - 1)
	epoch := cm.epoch

	cm.cancelReconnectLocked()
	cm.reconnectTimer = time.AfterFunc(delay, func() {
		cm.reconnectNow(epoch)
	})

	logrus.WithFields(logrus.Fields{
		"function": "scheduleReconnect",
		"channel":  cm.ChannelName(),
		"attempt":  cm.reconnectAttempts,
		"delay":    delay,
	}).Info("Reconnect scheduled")

	return cm.setStateLocked(StateReconnecting)
}

// reconnectNow fires when the backoff timer elapses.
func (cm *ConnectionManager) reconnectNow(epoch uint64) {
	cm.mu.Lock()
	if cm.epoch != epoch || cm.state != StateReconnecting {
		cm.mu.Unlock()
		return
	}
	cm.epoch++
	newEpoch := cm.epoch
	notify := cm.setStateLocked(StateConnecting)
	cm.mu.Unlock()

	notify()
	cm.connectAttempt(newEpoch)
}

// heartbeatLoop sends a ping command every HeartbeatInterval while the
// connection is live. A failed send is connectivity loss: reconnect
// scheduling starts immediately rather than waiting for the next tick.
func (cm *ConnectionManager) heartbeatLoop(epoch uint64, stop chan struct{}) {
	ticker := time.NewTicker(cm.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := cm.sendHeartbeat(); err != nil {
				cm.handleChannelFailure(epoch, fmt.Errorf("heartbeat: %w", err))
				return
			}
		}
	}
}

func (cm *ConnectionManager) sendHeartbeat() error {
	msg, err := protocol.New(protocol.TypeCommand, protocol.CommandPayload{Action: protocol.ActionPing})
	if err != nil {
		return err
	}
	msg.SenderDeviceID = cm.opts.DeviceID
	msg.SenderType = cm.opts.DeviceType

	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cm.opts.HeartbeatInterval)
	defer cancel()
	return cm.Send(ctx, protocol.BroadcastEvent, data)
}

// handleBroadcast forwards an inbound broadcast to the router hook, dropping
// deliveries from a superseded connection epoch.
func (cm *ConnectionManager) handleBroadcast(epoch uint64, event string, payload []byte) {
	cm.mu.Lock()
	if cm.epoch != epoch {
		cm.mu.Unlock()
		return
	}
	handler := cm.broadcastHandler
	cm.mu.Unlock()

	if handler != nil {
		handler(event, payload)
	}
}

// handlePresenceSync rebuilds the peer set from scratch out of the full
// snapshot. Self is excluded by device id comparison, not by relying on the
// provider's self-exclusion.
func (cm *ConnectionManager) handlePresenceSync(epoch uint64, states map[string][]byte) {
	cm.mu.Lock()
	if cm.epoch != epoch {
		cm.mu.Unlock()
		return
	}

	peers := make(map[string]protocol.PresenceState)
	for _, data := range states {
		state, err := protocol.DecodePresence(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handlePresenceSync",
				"channel":  cm.ChannelName(),
				"error":    err.Error(),
			}).Warn("Dropping malformed presence state")
			continue
		}
		if state.DeviceID == cm.opts.DeviceID {
			continue
		}
		peers[state.DeviceID] = state
	}
	cm.peers = peers
	cm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "handlePresenceSync",
		"channel":  cm.ChannelName(),
		"peers":    len(peers),
	}).Debug("Peer set rebuilt from presence snapshot")
}

func (cm *ConnectionManager) handlePresenceJoin(epoch uint64, data []byte) {
	state, err := protocol.DecodePresence(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePresenceJoin",
			"channel":  cm.ChannelName(),
			"error":    err.Error(),
		}).Warn("Dropping malformed presence join")
		return
	}

	cm.mu.Lock()
	if cm.epoch != epoch || state.DeviceID == cm.opts.DeviceID {
		cm.mu.Unlock()
		return
	}
	cm.peers[state.DeviceID] = state
	callback := cm.peerJoinCallback
	cm.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "handlePresenceJoin",
		"channel":     cm.ChannelName(),
		"peer_device": state.DeviceID,
		"peer_type":   state.DeviceType,
	}).Info("Peer device online")

	if callback != nil {
		callback(state)
	}
}

func (cm *ConnectionManager) handlePresenceLeave(epoch uint64, data []byte) {
	state, err := protocol.DecodePresence(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handlePresenceLeave",
			"channel":  cm.ChannelName(),
			"error":    err.Error(),
		}).Warn("Dropping malformed presence leave")
		return
	}

	cm.mu.Lock()
	if cm.epoch != epoch || state.DeviceID == cm.opts.DeviceID {
		cm.mu.Unlock()
		return
	}
	_, present := cm.peers[state.DeviceID]
	delete(cm.peers, state.DeviceID)
	callback := cm.peerLeaveCallback
	cm.mu.Unlock()

	if !present {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":    "handlePresenceLeave",
		"channel":     cm.ChannelName(),
		"peer_device": state.DeviceID,
	}).Info("Peer device offline")

	if callback != nil {
		callback(state)
	}
}

// setStateLocked updates the state and returns the notification to run once
// the lock is released.
func (cm *ConnectionManager) setStateLocked(state State) func() {
	if cm.state == state {
		return func() {}
	}

	previous := cm.state
	cm.state = state
	callback := cm.stateCallback

	logrus.WithFields(logrus.Fields{
		"function":  "setState",
		"channel":   cm.ChannelName(),
		"old_state": previous,
		"new_state": state,
	}).Debug("Connection state changed")

	return func() {
		if callback != nil {
			callback(state)
		}
	}
}

func (cm *ConnectionManager) stopHeartbeatLocked() {
	if cm.heartbeatStop != nil {
		close(cm.heartbeatStop)
		cm.heartbeatStop = nil
	}
}

func (cm *ConnectionManager) cancelReconnectLocked() {
	if cm.reconnectTimer != nil {
		cm.reconnectTimer.Stop()
		cm.reconnectTimer = nil
	}
}
