package queue

import (
	"errors"
	"sync"
)

// ErrNotFound indicates a command id absent from the store.
var ErrNotFound = errors.New("command not found")

// Store is the durable key-value contract the queue persists through. All
// QueuedCommand fields must survive a round trip verbatim. SQLiteStore is the
// production implementation; platform clients may substitute their own.
type Store interface {
	// Put inserts or replaces a command by id.
	Put(cmd QueuedCommand) error
	// Get returns the command with the given id, or ErrNotFound.
	Get(id string) (QueuedCommand, error)
	// All returns every stored command in unspecified order.
	All() ([]QueuedCommand, error)
	// Delete removes a command by id. Deleting an absent id is not an error.
	Delete(id string) error
}

// MemoryStore is an in-process Store for tests and ephemeral sessions.
type MemoryStore struct {
	mu       sync.RWMutex
	commands map[string]QueuedCommand
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		commands: make(map[string]QueuedCommand),
	}
}

// Put implements Store.
func (s *MemoryStore) Put(cmd QueuedCommand) error {
	s.mu.Lock()
	s.commands[cmd.ID] = cmd
	s.mu.Unlock()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(id string) (QueuedCommand, error) {
	s.mu.RLock()
	cmd, ok := s.commands[id]
	s.mu.RUnlock()
	if !ok {
		return QueuedCommand{}, ErrNotFound
	}
	return cmd, nil
}

// All implements Store.
func (s *MemoryStore) All() ([]QueuedCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	commands := make([]QueuedCommand, 0, len(s.commands))
	for _, cmd := range s.commands {
		commands = append(commands, cmd)
	}
	return commands, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	delete(s.commands, id)
	s.mu.Unlock()
	return nil
}
