// Package agentrelay implements the relay transport between a developer's
// local cli device and its companion mobile or web client.
//
// Both devices of one user account subscribe to a single realtime channel
// (relay:{user_id}) through a publish/subscribe provider. The package keeps
// that channel alive (heartbeat, timed reconnection with exponential
// backoff), tracks which peer devices are online through provider presence,
// routes typed messages between the peers, queues outbound commands durably
// while offline, and end-to-end encrypts payloads with NaCl box so the
// provider cannot read them.
//
// Example:
//
//	provider := transport.NewMemoryProvider()
//	opts := agentrelay.NewOptions("user-42", "cli-1", protocol.DeviceCLI)
//	client, err := agentrelay.NewClient(provider, queue.NewMemoryStore(), opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client.OnChat(func(msg protocol.Message, chat protocol.ChatPayload) {
//	    fmt.Println("peer:", chat.Content)
//	})
//	client.Connect()
//	defer client.Disconnect()
package agentrelay
