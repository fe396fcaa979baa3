package agentrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/agentrelay/crypto"
	"github.com/opd-ai/agentrelay/protocol"
)

// ErrNoPeerKey indicates an encrypted send with no online peer whose public
// key is available in the key directory.
var ErrNoPeerKey = errors.New("no peer key available")

// encryptedPayload is the wire shape of a sealed payload; Data is emitted as
// base64 by encoding/json.
type encryptedPayload struct {
	Data []byte `json:"data"`
}

// Router sends and receives typed relay messages over a ConnectionManager.
// It completes the message envelope before transmission, optionally seals
// payloads with NaCl box, and dispatches inbound messages to one typed
// callback per message type. Unknown or malformed inbound payloads are
// dropped, never propagated as panics: a broken remote peer must not crash
// the local listener.
type Router struct {
	manager *ConnectionManager

	mu        sync.Mutex
	keys      *crypto.KeyPair
	directory crypto.Directory

	messageCallback            func(protocol.Message)
	chatCallback               func(protocol.Message, protocol.ChatPayload)
	agentResponseCallback      func(protocol.Message, protocol.AgentResponsePayload)
	permissionRequestCallback  func(protocol.Message, protocol.PermissionRequestPayload)
	permissionResponseCallback func(protocol.Message, protocol.PermissionResponsePayload)
	sessionStateCallback       func(protocol.Message, protocol.SessionStatePayload)
	costUpdateCallback         func(protocol.Message, protocol.CostUpdatePayload)
	commandCallback            func(protocol.Message, protocol.CommandPayload)
	ackCallback                func(protocol.Message, protocol.AckPayload)
}

// NewRouter creates a router bound to the manager's channel.
func NewRouter(manager *ConnectionManager) *Router {
	r := &Router{manager: manager}
	manager.onBroadcast(r.handleBroadcast)
	return r
}

// EnableEncryption turns on end-to-end payload sealing. Outbound payloads
// are sealed for the online peer device using its key from the directory;
// inbound sealed payloads are opened with the sender's key. Pass both nil to
// turn sealing back off.
func (r *Router) EnableEncryption(keys *crypto.KeyPair, directory crypto.Directory) {
	r.mu.Lock()
	r.keys = keys
	r.directory = directory
	r.mu.Unlock()
}

// Send completes the envelope of msg (id, construction-time timestamp,
// sender identity) and broadcasts it. It fails with ErrNotConnected while
// the channel is not live; the router never queues on its own.
func (r *Router) Send(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	if !protocol.ValidType(msg.Type) {
		return protocol.Message{}, fmt.Errorf("%w: %q", protocol.ErrUnknownMessageType, msg.Type)
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.SenderDeviceID = r.manager.opts.DeviceID
	msg.SenderType = r.manager.opts.DeviceType

	sealed, err := r.seal(msg)
	if err != nil {
		return protocol.Message{}, err
	}

	data, err := protocol.Marshal(sealed)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("encode message: %w", err)
	}

	if err := r.manager.Send(ctx, protocol.BroadcastEvent, data); err != nil {
		return protocol.Message{}, err
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Send",
		"message_id":   msg.ID,
		"message_type": msg.Type,
		"encrypted":    sealed.Encrypted,
	}).Debug("Message sent")

	return msg, nil
}

// seal encrypts the payload for the online peer device when encryption is
// enabled. The relay channel carries exactly two device classes, so the
// recipient is the one online peer whose key the directory knows.
func (r *Router) seal(msg protocol.Message) (protocol.Message, error) {
	r.mu.Lock()
	keys := r.keys
	directory := r.directory
	r.mu.Unlock()

	if keys == nil || directory == nil || len(msg.Payload) == 0 {
		return msg, nil
	}

	var recipientKey []byte
	for _, peer := range r.manager.Peers() {
		key, err := directory.PublicKey(peer.DeviceID)
		if err == nil {
			recipientKey = key
			break
		}
	}
	if recipientKey == nil {
		return protocol.Message{}, ErrNoPeerKey
	}

	ciphertext, nonce, err := crypto.Encrypt(msg.Payload, recipientKey, keys.Private[:])
	if err != nil {
		return protocol.Message{}, fmt.Errorf("seal payload: %w", err)
	}

	wrapped, err := json.Marshal(encryptedPayload{Data: ciphertext})
	if err != nil {
		return protocol.Message{}, fmt.Errorf("seal payload: %w", err)
	}

	msg.Payload = wrapped
	msg.Encrypted = true
	msg.Nonce = nonce[:]
	return msg, nil
}

// open decrypts a sealed inbound payload using the sender's public key.
func (r *Router) open(msg protocol.Message) (protocol.Message, error) {
	r.mu.Lock()
	keys := r.keys
	directory := r.directory
	r.mu.Unlock()

	if keys == nil || directory == nil {
		return protocol.Message{}, errors.New("encrypted message but encryption not enabled")
	}

	senderKey, err := directory.PublicKey(msg.SenderDeviceID)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("sender key: %w", err)
	}

	var wrapped encryptedPayload
	if err := json.Unmarshal(msg.Payload, &wrapped); err != nil {
		return protocol.Message{}, fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, err)
	}

	plaintext, err := crypto.DecryptBytes(wrapped.Data, msg.Nonce, senderKey, keys.Private[:])
	if err != nil {
		return protocol.Message{}, err
	}

	msg.Payload = plaintext
	msg.Encrypted = false
	msg.Nonce = nil
	return msg, nil
}

// SendChat sends a chat message.
func (r *Router) SendChat(ctx context.Context, sessionID, content string) (protocol.Message, error) {
	return r.sendTyped(ctx, protocol.TypeChat, protocol.ChatPayload{SessionID: sessionID, Content: content})
}

// SendAgentResponse streams a chunk of agent output.
func (r *Router) SendAgentResponse(ctx context.Context, payload protocol.AgentResponsePayload) (protocol.Message, error) {
	return r.sendTyped(ctx, protocol.TypeAgentResponse, payload)
}

// SendPermissionRequest asks the peer device to approve a tool use.
func (r *Router) SendPermissionRequest(ctx context.Context, payload protocol.PermissionRequestPayload) (protocol.Message, error) {
	return r.sendTyped(ctx, protocol.TypePermissionRequest, payload)
}

// SendPermissionResponse answers a pending permission request.
func (r *Router) SendPermissionResponse(ctx context.Context, requestID string, approved bool) (protocol.Message, error) {
	return r.sendTyped(ctx, protocol.TypePermissionResponse, protocol.PermissionResponsePayload{
		RequestID: requestID,
		Approved:  approved,
	})
}

// SendSessionState reports the local session lifecycle.
func (r *Router) SendSessionState(ctx context.Context, payload protocol.SessionStatePayload) (protocol.Message, error) {
	return r.sendTyped(ctx, protocol.TypeSessionState, payload)
}

// SendCostUpdate reports running token and spend totals.
func (r *Router) SendCostUpdate(ctx context.Context, payload protocol.CostUpdatePayload) (protocol.Message, error) {
	return r.sendTyped(ctx, protocol.TypeCostUpdate, payload)
}

// SendCommand sends a control instruction to the peer device.
func (r *Router) SendCommand(ctx context.Context, payload protocol.CommandPayload) (protocol.Message, error) {
	return r.sendTyped(ctx, protocol.TypeCommand, payload)
}

// SendAck confirms receipt of the message with the given id.
func (r *Router) SendAck(ctx context.Context, messageID string) (protocol.Message, error) {
	return r.sendTyped(ctx, protocol.TypeAck, protocol.AckPayload{MessageID: messageID})
}

func (r *Router) sendTyped(ctx context.Context, msgType protocol.MessageType, payload interface{}) (protocol.Message, error) {
	msg, err := protocol.New(msgType, payload)
	if err != nil {
		return protocol.Message{}, err
	}
	return r.Send(ctx, msg)
}

// OnMessage registers a callback for every decoded inbound message,
// regardless of type. Typed callbacks still fire.
func (r *Router) OnMessage(callback func(protocol.Message)) {
	r.mu.Lock()
	r.messageCallback = callback
	r.mu.Unlock()
}

// OnChat registers the chat message callback.
func (r *Router) OnChat(callback func(protocol.Message, protocol.ChatPayload)) {
	r.mu.Lock()
	r.chatCallback = callback
	r.mu.Unlock()
}

// OnAgentResponse registers the agent response callback.
func (r *Router) OnAgentResponse(callback func(protocol.Message, protocol.AgentResponsePayload)) {
	r.mu.Lock()
	r.agentResponseCallback = callback
	r.mu.Unlock()
}

// OnPermissionRequest registers the permission request callback.
func (r *Router) OnPermissionRequest(callback func(protocol.Message, protocol.PermissionRequestPayload)) {
	r.mu.Lock()
	r.permissionRequestCallback = callback
	r.mu.Unlock()
}

// OnPermissionResponse registers the permission response callback.
func (r *Router) OnPermissionResponse(callback func(protocol.Message, protocol.PermissionResponsePayload)) {
	r.mu.Lock()
	r.permissionResponseCallback = callback
	r.mu.Unlock()
}

// OnSessionState registers the session state callback.
func (r *Router) OnSessionState(callback func(protocol.Message, protocol.SessionStatePayload)) {
	r.mu.Lock()
	r.sessionStateCallback = callback
	r.mu.Unlock()
}

// OnCostUpdate registers the cost update callback.
func (r *Router) OnCostUpdate(callback func(protocol.Message, protocol.CostUpdatePayload)) {
	r.mu.Lock()
	r.costUpdateCallback = callback
	r.mu.Unlock()
}

// OnCommand registers the command callback. Heartbeat pings from the peer
// arrive here as well.
func (r *Router) OnCommand(callback func(protocol.Message, protocol.CommandPayload)) {
	r.mu.Lock()
	r.commandCallback = callback
	r.mu.Unlock()
}

// OnAck registers the ack callback.
func (r *Router) OnAck(callback func(protocol.Message, protocol.AckPayload)) {
	r.mu.Lock()
	r.ackCallback = callback
	r.mu.Unlock()
}

// handleBroadcast decodes an inbound broadcast and dispatches it. Every
// defect is logged and dropped.
func (r *Router) handleBroadcast(event string, payload []byte) {
	if event != protocol.BroadcastEvent {
		return
	}

	msg, err := protocol.Unmarshal(payload)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleBroadcast",
			"error":    err.Error(),
		}).Warn("Dropping malformed message")
		return
	}

	if msg.Encrypted {
		opened, err := r.open(msg)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":      "handleBroadcast",
				"message_id":    msg.ID,
				"sender_device": msg.SenderDeviceID,
				"error":         err.Error(),
			}).Warn("Dropping message that failed to decrypt")
			return
		}
		msg = opened
	}

	r.dispatch(msg)
}

func (r *Router) dispatch(msg protocol.Message) {
	r.mu.Lock()
	messageCallback := r.messageCallback
	chatCallback := r.chatCallback
	agentResponseCallback := r.agentResponseCallback
	permissionRequestCallback := r.permissionRequestCallback
	permissionResponseCallback := r.permissionResponseCallback
	sessionStateCallback := r.sessionStateCallback
	costUpdateCallback := r.costUpdateCallback
	commandCallback := r.commandCallback
	ackCallback := r.ackCallback
	r.mu.Unlock()

	if messageCallback != nil {
		messageCallback(msg)
	}

	drop := func(err error) {
		logrus.WithFields(logrus.Fields{
			"function":     "dispatch",
			"message_id":   msg.ID,
			"message_type": msg.Type,
			"error":        err.Error(),
		}).Warn("Dropping message with malformed payload")
	}

	switch msg.Type {
	case protocol.TypeChat:
		payload, err := protocol.DecodeChat(msg)
		if err != nil {
			drop(err)
			return
		}
		if chatCallback != nil {
			chatCallback(msg, payload)
		}
	case protocol.TypeAgentResponse:
		payload, err := protocol.DecodeAgentResponse(msg)
		if err != nil {
			drop(err)
			return
		}
		if agentResponseCallback != nil {
			agentResponseCallback(msg, payload)
		}
	case protocol.TypePermissionRequest:
		payload, err := protocol.DecodePermissionRequest(msg)
		if err != nil {
			drop(err)
			return
		}
		if permissionRequestCallback != nil {
			permissionRequestCallback(msg, payload)
		}
	case protocol.TypePermissionResponse:
		payload, err := protocol.DecodePermissionResponse(msg)
		if err != nil {
			drop(err)
			return
		}
		if permissionResponseCallback != nil {
			permissionResponseCallback(msg, payload)
		}
	case protocol.TypeSessionState:
		payload, err := protocol.DecodeSessionState(msg)
		if err != nil {
			drop(err)
			return
		}
		if sessionStateCallback != nil {
			sessionStateCallback(msg, payload)
		}
	case protocol.TypeCostUpdate:
		payload, err := protocol.DecodeCostUpdate(msg)
		if err != nil {
			drop(err)
			return
		}
		if costUpdateCallback != nil {
			costUpdateCallback(msg, payload)
		}
	case protocol.TypeCommand:
		payload, err := protocol.DecodeCommand(msg)
		if err != nil {
			drop(err)
			return
		}
		if commandCallback != nil {
			commandCallback(msg, payload)
		}
	case protocol.TypeAck:
		payload, err := protocol.DecodeAck(msg)
		if err != nil {
			drop(err)
			return
		}
		if ackCallback != nil {
			ackCallback(msg, payload)
		}
	}
}
