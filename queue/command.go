package queue

import (
	"time"

	"github.com/opd-ai/agentrelay/protocol"
)

// Status represents the delivery state of a queued command.
type Status string

const (
	// StatusPending means the command is waiting for its first send attempt.
	StatusPending Status = "pending"
	// StatusSending means a send attempt is in flight.
	StatusSending Status = "sending"
	// StatusSent means the command was transmitted; it is removed from the
	// store immediately after entering this state.
	StatusSent Status = "sent"
	// StatusFailed means the last send attempt failed and the command is
	// waiting out its backoff delay.
	StatusFailed Status = "failed"
	// StatusExpired means the command outlived its TTL; it is removed from
	// the store immediately after entering this state.
	StatusExpired Status = "expired"
)

const (
	// DefaultTTL is how long a command stays deliverable before expiring.
	DefaultTTL = 5 * time.Minute
	// DefaultMaxAttempts bounds send attempts per command.
	DefaultMaxAttempts = 3
	// retryBaseDelay and retryMaxDelay shape the retry backoff curve.
	retryBaseDelay = time.Second
	retryMaxDelay  = 30 * time.Second
)

// QueuedCommand is one outbound message waiting for delivery. It is owned
// exclusively by the Queue and mutated only through its API.
type QueuedCommand struct {
	ID            string           `json:"id"`
	Message       protocol.Message `json:"message"`
	Status        Status           `json:"status"`
	Attempts      int              `json:"attempts"`
	MaxAttempts   int              `json:"max_attempts"`
	CreatedAt     time.Time        `json:"created_at"`
	ExpiresAt     time.Time        `json:"expires_at"`
	Priority      int              `json:"priority"`
	LastError     string           `json:"last_error,omitempty"`
	NextAttemptAt time.Time        `json:"next_attempt_at,omitempty"`
}

// Expired reports whether the command's TTL has elapsed at the given time.
func (c *QueuedCommand) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Exhausted reports whether the command has used its full retry budget.
func (c *QueuedCommand) Exhausted() bool {
	return c.Attempts >= c.MaxAttempts
}

// ShouldRetry reports whether a command is eligible for another send attempt
// at the given time: it must have failed, have attempts remaining, and not
// be expired.
func ShouldRetry(cmd QueuedCommand, now time.Time) bool {
	return cmd.Status == StatusFailed && !cmd.Exhausted() && !cmd.Expired(now)
}

// RetryDelay returns the backoff delay before retry n (counting from 0):
// 1s, 2s, 4s, 8s, 16s, then capped at 30s. The same curve paces connection
// reconnect attempts.
func RetryDelay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n >= 5 {
		return retryMaxDelay
	}
	delay := retryBaseDelay << uint(n)
	if delay > retryMaxDelay {
		return retryMaxDelay
	}
	return delay
}
