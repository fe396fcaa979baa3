package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/agentrelay/protocol"
)

// ErrAttemptsExhausted indicates a MarkFailed call on a command that has
// already used its full retry budget.
var ErrAttemptsExhausted = errors.New("attempts exhausted")

// SendFunc transmits one message. It is invoked sequentially during a drain
// so priority ordering is preserved.
type SendFunc func(ctx context.Context, msg protocol.Message) error

// Options tune a single Enqueue call. The zero value means "use defaults":
// priority from the protocol table, DefaultTTL, DefaultMaxAttempts.
type Options struct {
	// Priority overrides the table-derived priority when non-nil.
	Priority *int
	// TTL overrides DefaultTTL when positive.
	TTL time.Duration
	// MaxAttempts overrides DefaultMaxAttempts when positive.
	MaxAttempts int
}

// Stats exposes queue observability counters. Pending and Failed are live
// counts; the remaining fields are cumulative since the queue was created.
type Stats struct {
	Pending int
	Failed  int
	Sent    uint64
	Expired uint64
	Dropped uint64
}

// Queue is the offline command queue. One Queue owns its Store exclusively;
// all command mutation flows through this API.
type Queue struct {
	mu    sync.Mutex
	store Store
	now   func() time.Time

	// draining serializes ProcessQueue: re-entrant calls are no-ops.
	draining bool

	sentTotal    uint64
	expiredTotal uint64
	droppedTotal uint64
}

// New creates a queue over the given store.
func New(store Store) *Queue {
	return &Queue{
		store: store,
		now:   time.Now,
	}
}

// Enqueue durably records a message for later delivery and returns the
// created command.
func (q *Queue) Enqueue(msg protocol.Message, opts Options) (QueuedCommand, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()

	priority := protocol.PriorityFor(msg)
	if opts.Priority != nil {
		priority = *opts.Priority
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	cmd := QueuedCommand{
		ID:          uuid.NewString(),
		Message:     msg,
		Status:      StatusPending,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Priority:    priority,
	}

	if err := q.store.Put(cmd); err != nil {
		return QueuedCommand{}, fmt.Errorf("enqueue command: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Enqueue",
		"command_id":   cmd.ID,
		"message_type": msg.Type,
		"priority":     priority,
		"expires_at":   cmd.ExpiresAt,
	}).Debug("Command enqueued")

	return cmd, nil
}

// Dequeue returns the highest-priority pending command, oldest first within
// a priority. It returns ErrNotFound when nothing is pending.
func (q *Queue) Dequeue() (QueuedCommand, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	commands, err := q.store.All()
	if err != nil {
		return QueuedCommand{}, err
	}

	sortByPriority(commands)
	for _, cmd := range commands {
		if cmd.Status == StatusPending {
			return cmd, nil
		}
	}
	return QueuedCommand{}, ErrNotFound
}

// MarkSent removes a delivered command from the store. Sent is a terminal
// state; the record does not linger.
func (q *Queue) MarkSent(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.markSentLocked(id)
}

func (q *Queue) markSentLocked(id string) error {
	if err := q.store.Delete(id); err != nil {
		return err
	}
	q.sentTotal++
	return nil
}

// MarkFailed records a failed send attempt: increments the attempt counter,
// stores the error, and schedules the backoff delay before the command
// becomes eligible again. It refuses to push a command past its retry
// budget; treating exhausted commands as terminal is the drain's job.
func (q *Queue) MarkFailed(id string, sendErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.markFailedLocked(id, sendErr)
}

func (q *Queue) markFailedLocked(id string, sendErr error) error {
	cmd, err := q.store.Get(id)
	if err != nil {
		return err
	}
	if cmd.Exhausted() {
		return fmt.Errorf("%w: command %s", ErrAttemptsExhausted, id)
	}

	cmd.Attempts++
	cmd.Status = StatusFailed
	if sendErr != nil {
		cmd.LastError = sendErr.Error()
	}
	cmd.NextAttemptAt = q.now().UTC().Add(RetryDelay(cmd.Attempts - 1))

	if err := q.store.Put(cmd); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function":        "MarkFailed",
		"command_id":      id,
		"attempts":        cmd.Attempts,
		"max_attempts":    cmd.MaxAttempts,
		"next_attempt_at": cmd.NextAttemptAt,
		"error":           cmd.LastError,
	}).Warn("Send attempt failed")

	return nil
}

// ProcessQueue drains eligible commands in priority order, calling send for
// each one sequentially. Expired and attempts-exhausted commands are removed
// without sending regardless of priority. Only one drain may be active at a
// time; a re-entrant call returns immediately.
func (q *Queue) ProcessQueue(ctx context.Context, send SendFunc) error {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return nil
	}
	q.draining = true

	commands, err := q.store.All()
	if err != nil {
		q.draining = false
		q.mu.Unlock()
		return err
	}
	commands = q.recoverInterruptedLocked(commands)
	sortByPriority(commands)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	for _, cmd := range commands {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := q.now().UTC()

		switch {
		case cmd.Expired(now):
			q.expire(cmd)
			continue
		case cmd.Exhausted():
			q.drop(cmd)
			continue
		case cmd.Status == StatusFailed && now.Before(cmd.NextAttemptAt):
			// Still waiting out its backoff delay.
			continue
		case cmd.Status != StatusPending && cmd.Status != StatusFailed:
			continue
		}

		cmd.Status = StatusSending
		q.mu.Lock()
		if err := q.store.Put(cmd); err != nil {
			q.mu.Unlock()
			return err
		}
		q.mu.Unlock()

		if sendErr := send(ctx, cmd.Message); sendErr != nil {
			q.mu.Lock()
			err := q.markFailedLocked(cmd.ID, sendErr)
			q.mu.Unlock()
			if err != nil && !errors.Is(err, ErrAttemptsExhausted) {
				return err
			}
			continue
		}

		q.mu.Lock()
		err := q.markSentLocked(cmd.ID)
		q.mu.Unlock()
		if err != nil {
			return err
		}

		logrus.WithFields(logrus.Fields{
			"function":     "ProcessQueue",
			"command_id":   cmd.ID,
			"message_type": cmd.Message.Type,
		}).Debug("Queued command delivered")
	}

	return nil
}

// recoverInterruptedLocked makes commands stranded in the sending state
// eligible again. Drains are serialized, so any sending record visible when
// the snapshot is taken predates this drain: the process died between
// persisting the attempt and recording its outcome. The interrupted attempt
// counts against the budget and the command is retried like any other
// failure.
func (q *Queue) recoverInterruptedLocked(commands []QueuedCommand) []QueuedCommand {
	for i, cmd := range commands {
		if cmd.Status != StatusSending {
			continue
		}

		cmd.Attempts++
		cmd.Status = StatusFailed
		cmd.LastError = "send interrupted"
		cmd.NextAttemptAt = q.now().UTC()

		if err := q.store.Put(cmd); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "recoverInterrupted",
				"command_id": cmd.ID,
				"error":      err.Error(),
			}).Error("Failed to recover interrupted command")
			continue
		}
		commands[i] = cmd

		logrus.WithFields(logrus.Fields{
			"function":     "recoverInterrupted",
			"command_id":   cmd.ID,
			"message_type": cmd.Message.Type,
			"attempts":     cmd.Attempts,
			"max_attempts": cmd.MaxAttempts,
		}).Warn("Recovered command from interrupted send")
	}
	return commands
}

// Stats returns current queue counters.
func (q *Queue) Stats() (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	commands, err := q.store.All()
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		Sent:    q.sentTotal,
		Expired: q.expiredTotal,
		Dropped: q.droppedTotal,
	}
	for _, cmd := range commands {
		switch cmd.Status {
		case StatusPending:
			stats.Pending++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Len returns the number of commands currently in the store.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	commands, err := q.store.All()
	if err != nil {
		return 0, err
	}
	return len(commands), nil
}

func (q *Queue) expire(cmd QueuedCommand) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Delete(cmd.ID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "expire",
			"command_id": cmd.ID,
			"error":      err.Error(),
		}).Error("Failed to remove expired command")
		return
	}
	q.expiredTotal++

	logrus.WithFields(logrus.Fields{
		"function":     "expire",
		"command_id":   cmd.ID,
		"message_type": cmd.Message.Type,
		"expired_at":   cmd.ExpiresAt,
	}).Info("Queued command expired")
}

func (q *Queue) drop(cmd QueuedCommand) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Delete(cmd.ID); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "drop",
			"command_id": cmd.ID,
			"error":      err.Error(),
		}).Error("Failed to remove exhausted command")
		return
	}
	q.droppedTotal++

	logrus.WithFields(logrus.Fields{
		"function":     "drop",
		"command_id":   cmd.ID,
		"message_type": cmd.Message.Type,
		"attempts":     cmd.Attempts,
	}).Info("Queued command dropped after exhausting attempts")
}

// sortByPriority orders commands highest priority first, oldest first within
// equal priority.
func sortByPriority(commands []QueuedCommand) {
	sort.SliceStable(commands, func(i, j int) bool {
		if commands[i].Priority != commands[j].Priority {
			return commands[i].Priority > commands[j].Priority
		}
		return commands[i].CreatedAt.Before(commands[j].CreatedAt)
	})
}
