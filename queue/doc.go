// Package queue implements the durable offline command queue for the relay.
//
// When the local device cannot reach the relay channel, outbound messages are
// enqueued here and retried once connectivity resumes. Every queued command
// carries a priority (higher sends first, oldest-first within a priority), a
// TTL after which it is silently discarded, and a bounded retry budget with
// exponential backoff between attempts.
//
// Persistence goes through the Store interface. MemoryStore backs tests;
// SQLiteStore persists commands across process restarts.
package queue
