package agentrelay

import (
	"errors"
	"time"

	"github.com/opd-ai/agentrelay/protocol"
	"github.com/opd-ai/agentrelay/queue"
)

const (
	// DefaultHeartbeatInterval is how often a connected device sends a ping
	// command over the channel.
	DefaultHeartbeatInterval = 15 * time.Second
	// DefaultConnectionTimeout bounds how long a subscribe may take before
	// the attempt is treated as failed.
	DefaultConnectionTimeout = 45 * time.Second
	// MaxReconnectAttempts bounds automatic reconnection; exceeding it is
	// terminal until Connect is called again.
	MaxReconnectAttempts = 10
)

// Options configure one relay connection. UserID, DeviceID and DeviceType
// are required; everything else has defaults.
type Options struct {
	// UserID selects the relay channel: both of a user's devices subscribe
	// to relay:{UserID}.
	UserID string
	// DeviceID is this device's stable identity; it keys presence and is
	// stable across reconnects.
	DeviceID string
	// DeviceType is "cli", "mobile" or "web".
	DeviceType protocol.DeviceType
	// DeviceName is a human-readable label published in presence.
	DeviceName string
	// Platform identifies the OS/runtime, published in presence.
	Platform string

	HeartbeatInterval time.Duration
	ConnectionTimeout time.Duration

	// retryDelay and maxReconnectAttempts are overridable in tests to keep
	// reconnect scenarios fast. Production always uses the queue backoff
	// curve and MaxReconnectAttempts.
	retryDelay           func(n int) time.Duration
	maxReconnectAttempts int
}

// NewOptions returns Options with production defaults.
func NewOptions(userID, deviceID string, deviceType protocol.DeviceType) *Options {
	return &Options{
		UserID:               userID,
		DeviceID:             deviceID,
		DeviceType:           deviceType,
		HeartbeatInterval:    DefaultHeartbeatInterval,
		ConnectionTimeout:    DefaultConnectionTimeout,
		retryDelay:           queue.RetryDelay,
		maxReconnectAttempts: MaxReconnectAttempts,
	}
}

func (o *Options) validate() error {
	if o.UserID == "" {
		return errors.New("options: UserID is required")
	}
	if o.DeviceID == "" {
		return errors.New("options: DeviceID is required")
	}
	if !validDeviceType(o.DeviceType) {
		return errors.New("options: DeviceType must be cli, mobile or web")
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.retryDelay == nil {
		o.retryDelay = queue.RetryDelay
	}
	if o.maxReconnectAttempts <= 0 {
		o.maxReconnectAttempts = MaxReconnectAttempts
	}
	return nil
}

func validDeviceType(t protocol.DeviceType) bool {
	switch t {
	case protocol.DeviceCLI, protocol.DeviceMobile, protocol.DeviceWeb:
		return true
	}
	return false
}
