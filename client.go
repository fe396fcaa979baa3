package agentrelay

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/agentrelay/crypto"
	"github.com/opd-ai/agentrelay/protocol"
	"github.com/opd-ai/agentrelay/queue"
	"github.com/opd-ai/agentrelay/transport"
)

// Client wires a ConnectionManager, a Router and an offline Queue into one
// relay endpoint. Its typed senders fall back to the queue when the channel
// is down, and the queue is drained automatically every time the connection
// comes back up.
type Client struct {
	opts    *Options
	manager *ConnectionManager
	router  *Router
	queue   *queue.Queue

	mu            sync.Mutex
	stateCallback func(State)
}

// NewClient builds a relay client over the given provider and queue store.
func NewClient(provider transport.Provider, store queue.Store, opts *Options) (*Client, error) {
	manager, err := NewConnectionManager(provider, opts)
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:    opts,
		manager: manager,
		router:  NewRouter(manager),
		queue:   queue.New(store),
	}
	manager.OnStateChange(c.handleStateChange)
	return c, nil
}

// Manager exposes the underlying connection manager for presence and
// lifecycle control.
func (c *Client) Manager() *ConnectionManager { return c.manager }

// Router exposes the underlying message router for receive callbacks and
// direct sends.
func (c *Client) Router() *Router { return c.router }

// Queue exposes the offline queue, mainly for stats.
func (c *Client) Queue() *queue.Queue { return c.queue }

// EnableEncryption turns on end-to-end payload sealing for this client.
func (c *Client) EnableEncryption(keys *crypto.KeyPair, directory crypto.Directory) {
	c.router.EnableEncryption(keys, directory)
}

// Connect starts the connection lifecycle.
func (c *Client) Connect() { c.manager.Connect() }

// Disconnect ends the connection lifecycle cleanly.
func (c *Client) Disconnect() { c.manager.Disconnect() }

// OnStateChange registers the lifecycle state callback.
func (c *Client) OnStateChange(callback func(State)) {
	c.mu.Lock()
	c.stateCallback = callback
	c.mu.Unlock()
}

// OnChat forwards to the router.
func (c *Client) OnChat(callback func(protocol.Message, protocol.ChatPayload)) {
	c.router.OnChat(callback)
}

// OnPermissionRequest forwards to the router.
func (c *Client) OnPermissionRequest(callback func(protocol.Message, protocol.PermissionRequestPayload)) {
	c.router.OnPermissionRequest(callback)
}

// OnPermissionResponse forwards to the router.
func (c *Client) OnPermissionResponse(callback func(protocol.Message, protocol.PermissionResponsePayload)) {
	c.router.OnPermissionResponse(callback)
}

// OnAgentResponse forwards to the router.
func (c *Client) OnAgentResponse(callback func(protocol.Message, protocol.AgentResponsePayload)) {
	c.router.OnAgentResponse(callback)
}

// OnCostUpdate forwards to the router.
func (c *Client) OnCostUpdate(callback func(protocol.Message, protocol.CostUpdatePayload)) {
	c.router.OnCostUpdate(callback)
}

// Send transmits msg, or enqueues it when the channel is down. The returned
// flag reports whether the message was queued rather than sent.
func (c *Client) Send(ctx context.Context, msg protocol.Message) (queued bool, err error) {
	_, err = c.router.Send(ctx, msg)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, ErrNotConnected) {
		return false, err
	}

	if _, qerr := c.queue.Enqueue(msg, queue.Options{}); qerr != nil {
		return false, qerr
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Send",
		"message_type": msg.Type,
		"state":        c.manager.State(),
	}).Debug("Channel down, message queued")

	return true, nil
}

// SendChat sends or queues a chat message.
func (c *Client) SendChat(ctx context.Context, sessionID, content string) (bool, error) {
	return c.sendTyped(ctx, protocol.TypeChat, protocol.ChatPayload{SessionID: sessionID, Content: content})
}

// SendPermissionResponse sends or queues a permission answer.
func (c *Client) SendPermissionResponse(ctx context.Context, requestID string, approved bool) (bool, error) {
	return c.sendTyped(ctx, protocol.TypePermissionResponse, protocol.PermissionResponsePayload{
		RequestID: requestID,
		Approved:  approved,
	})
}

// SendCommand sends or queues a control command.
func (c *Client) SendCommand(ctx context.Context, payload protocol.CommandPayload) (bool, error) {
	return c.sendTyped(ctx, protocol.TypeCommand, payload)
}

func (c *Client) sendTyped(ctx context.Context, msgType protocol.MessageType, payload interface{}) (bool, error) {
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		return false, err
	}
	return c.Send(ctx, msg)
}

// handleStateChange drains the offline queue whenever the connection comes
// back up, then forwards the state to the caller's callback.
func (c *Client) handleStateChange(state State) {
	if state == StateConnected {
		go c.drainQueue()
	}

	c.mu.Lock()
	callback := c.stateCallback
	c.mu.Unlock()
	if callback != nil {
		callback(state)
	}
}

func (c *Client) drainQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectionTimeout)
	defer cancel()

	err := c.queue.ProcessQueue(ctx, func(ctx context.Context, msg protocol.Message) error {
		// Queued messages keep their original id and timestamp; Send only
		// fills fields that are empty.
		_, err := c.router.Send(ctx, msg)
		return err
	})
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "drainQueue",
			"error":    err.Error(),
		}).Warn("Offline queue drain interrupted")
	}
}
