package transport

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryProvider is an in-process Provider. All channels created from the
// same instance share one hub, so two clients subscribing to the same name
// see each other's broadcasts and presence. It backs the test suite and the
// demo command.
type MemoryProvider struct {
	mu       sync.Mutex
	channels map[string][]*memoryChannel

	subscribeErr error
	sendErr      error
}

// NewMemoryProvider creates an empty in-memory hub.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		channels: make(map[string][]*memoryChannel),
	}
}

// FailSubscribes makes every subsequent Subscribe return err; pass nil to
// restore normal behavior.
func (p *MemoryProvider) FailSubscribes(err error) {
	p.mu.Lock()
	p.subscribeErr = err
	p.mu.Unlock()
}

// FailSends makes every subsequent Send return err; pass nil to restore
// normal behavior.
func (p *MemoryProvider) FailSends(err error) {
	p.mu.Lock()
	p.sendErr = err
	p.mu.Unlock()
}

// Channel implements Provider.
func (p *MemoryProvider) Channel(name string, config ChannelConfig) Channel {
	return &memoryChannel{provider: p, name: name, config: config}
}

type memoryChannel struct {
	provider *MemoryProvider
	name     string
	config   ChannelConfig

	mu         sync.Mutex
	subscribed bool
	handlers   Handlers
	tracked    []byte
}

// Subscribe implements Channel.
func (c *memoryChannel) Subscribe(ctx context.Context, handlers Handlers) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.provider.mu.Lock()
	if err := c.provider.subscribeErr; err != nil {
		c.provider.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		c.provider.mu.Unlock()
		return ErrAlreadySubscribed
	}
	c.subscribed = true
	c.handlers = handlers
	c.mu.Unlock()

	c.provider.channels[c.name] = append(c.provider.channels[c.name], c)
	snapshot := c.provider.presenceSnapshotLocked(c.name)
	c.provider.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "Subscribe",
		"channel":      c.name,
		"presence_key": c.config.PresenceKey,
	}).Debug("Memory channel subscribed")

	if handlers.OnPresenceSync != nil {
		handlers.OnPresenceSync(snapshot)
	}
	return nil
}

// Unsubscribe implements Channel.
func (c *memoryChannel) Unsubscribe() error {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = false
	wasTracking := c.tracked != nil
	state := c.tracked
	c.tracked = nil
	c.mu.Unlock()

	c.provider.mu.Lock()
	members := c.provider.channels[c.name]
	for i, member := range members {
		if member == c {
			c.provider.channels[c.name] = append(members[:i], members[i+1:]...)
			break
		}
	}
	c.provider.mu.Unlock()

	if wasTracking {
		c.deliverPresence("leave", state)
	}
	return nil
}

// Send implements Channel.
func (c *memoryChannel) Send(ctx context.Context, event string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	subscribed := c.subscribed
	c.mu.Unlock()
	if !subscribed {
		return ErrNotSubscribed
	}

	c.provider.mu.Lock()
	if err := c.provider.sendErr; err != nil {
		c.provider.mu.Unlock()
		return err
	}
	members := append([]*memoryChannel(nil), c.provider.channels[c.name]...)
	c.provider.mu.Unlock()

	for _, member := range members {
		if member == c && !c.config.SelfBroadcast {
			continue
		}
		member.mu.Lock()
		handler := member.handlers.OnBroadcast
		member.mu.Unlock()
		if handler != nil {
			handler(event, payload)
		}
	}
	return nil
}

// Track implements Channel.
func (c *memoryChannel) Track(ctx context.Context, state []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return ErrNotSubscribed
	}
	c.tracked = append([]byte(nil), state...)
	c.mu.Unlock()

	c.deliverPresence("join", state)
	return nil
}

// Untrack implements Channel.
func (c *memoryChannel) Untrack(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return ErrNotSubscribed
	}
	state := c.tracked
	c.tracked = nil
	c.mu.Unlock()

	if state != nil {
		c.deliverPresence("leave", state)
	}
	return nil
}

// presenceSnapshotLocked builds the full presence map for a channel. Caller
// holds the provider lock.
func (p *MemoryProvider) presenceSnapshotLocked(name string) map[string][]byte {
	snapshot := make(map[string][]byte)
	for _, member := range p.channels[name] {
		member.mu.Lock()
		if member.tracked != nil {
			snapshot[member.config.PresenceKey] = append([]byte(nil), member.tracked...)
		}
		member.mu.Unlock()
	}
	return snapshot
}

// deliverPresence fans a join/leave out to every subscriber of the channel,
// the originator included; consumers filter by presence key.
func (c *memoryChannel) deliverPresence(kind string, state []byte) {
	c.provider.mu.Lock()
	members := append([]*memoryChannel(nil), c.provider.channels[c.name]...)
	c.provider.mu.Unlock()

	for _, member := range members {
		member.mu.Lock()
		join := member.handlers.OnPresenceJoin
		leave := member.handlers.OnPresenceLeave
		member.mu.Unlock()

		switch kind {
		case "join":
			if join != nil {
				join(c.config.PresenceKey, state)
			}
		case "leave":
			if leave != nil {
				leave(c.config.PresenceKey, state)
			}
		}
	}
}
