// Package protocol defines the relay wire format: the typed message envelope
// exchanged between a cli device and its companion mobile/web device, the
// presence state published to the realtime channel, and the single priority
// table used by the offline queue.
//
// Messages travel as JSON objects on the provider's "message" broadcast
// event. Every message carries a common envelope (id, timestamp, sender
// identity) and a payload whose shape is fixed by the type discriminator.
package protocol
