// Package transport abstracts the realtime publish/subscribe provider behind
// a narrow vendor-neutral interface: channel subscribe/unsubscribe, broadcast
// send/receive, and presence track/sync/join/leave.
//
// The relay core is written against Provider and Channel only, so any vendor
// SDK can be adapted with a thin wrapper and the core can be tested against
// MemoryProvider, an in-process implementation of exactly this interface.
package transport
