package transport

import (
	"context"
	"errors"
)

var (
	// ErrNotSubscribed indicates a send or presence call on a channel that
	// has no active subscription.
	ErrNotSubscribed = errors.New("channel not subscribed")
	// ErrAlreadySubscribed indicates a second Subscribe on a live channel.
	ErrAlreadySubscribed = errors.New("channel already subscribed")
)

// ChannelConfig configures a channel before subscribing.
type ChannelConfig struct {
	// PresenceKey identifies this client in the channel's presence set;
	// the relay uses the local device id.
	PresenceKey string
	// SelfBroadcast controls whether this client receives its own
	// broadcasts. The relay always disables it.
	SelfBroadcast bool
}

// Handlers receive channel events. Nil handlers are skipped. Handlers are
// invoked from the provider's delivery context; implementations must not
// block indefinitely inside them.
type Handlers struct {
	// OnBroadcast delivers a broadcast event from another channel member.
	OnBroadcast func(event string, payload []byte)
	// OnPresenceSync delivers the full presence snapshot, keyed by each
	// member's presence key. The local member is included.
	OnPresenceSync func(states map[string][]byte)
	// OnPresenceJoin reports a member tracking (or re-tracking) presence.
	OnPresenceJoin func(key string, state []byte)
	// OnPresenceLeave reports a member leaving the channel.
	OnPresenceLeave func(key string, state []byte)
	// OnError reports an asynchronous channel failure.
	OnError func(err error)
}

// Provider hands out channels by name. One Provider instance may serve many
// channels; the relay uses exactly one per user session.
type Provider interface {
	// Channel returns an unsubscribed channel handle for the given name.
	Channel(name string, config ChannelConfig) Channel
}

// Channel is one named publish/subscribe topic.
type Channel interface {
	// Subscribe opens the channel and registers handlers. It returns once
	// the provider confirms the subscription or ctx expires.
	Subscribe(ctx context.Context, handlers Handlers) error
	// Unsubscribe closes the channel. It is safe to call on an
	// unsubscribed channel.
	Unsubscribe() error
	// Send broadcasts an event to the channel's other members.
	Send(ctx context.Context, event string, payload []byte) error
	// Track publishes (or replaces) this client's presence state.
	Track(ctx context.Context, state []byte) error
	// Untrack withdraws this client's presence state.
	Untrack(ctx context.Context) error
}
