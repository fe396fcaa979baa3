package queue

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/opd-ai/agentrelay/protocol"
)

const schemaSQL = `
-- Offline command queue
CREATE TABLE IF NOT EXISTS relay_queue (
  id TEXT PRIMARY KEY,                 -- command id (uuid)
  message TEXT NOT NULL,               -- JSON-encoded relay message
  status TEXT NOT NULL,                -- pending, sending, failed
  attempts INTEGER NOT NULL,
  max_attempts INTEGER NOT NULL,
  created_at INTEGER NOT NULL,         -- unix millis
  expires_at INTEGER NOT NULL,         -- unix millis
  priority INTEGER NOT NULL,           -- higher sends first
  last_error TEXT,
  next_attempt_at INTEGER              -- unix millis, 0 when immediately eligible
);

CREATE INDEX IF NOT EXISTS idx_relay_queue_status ON relay_queue(status);
CREATE INDEX IF NOT EXISTS idx_relay_queue_priority ON relay_queue(priority, created_at);
`

// SQLiteStore persists queued commands across process restarts.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if necessary) the queue database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize queue schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenSQLiteStore",
		"path":     path,
	}).Debug("Queue database opened")

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put implements Store.
func (s *SQLiteStore) Put(cmd QueuedCommand) error {
	message, err := protocol.Marshal(cmd.Message)
	if err != nil {
		return fmt.Errorf("encode queued message: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT OR REPLACE INTO relay_queue
		  (id, message, status, attempts, max_attempts, created_at, expires_at, priority, last_error, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cmd.ID, string(message), string(cmd.Status), cmd.Attempts, cmd.MaxAttempts,
		cmd.CreatedAt.UnixMilli(), cmd.ExpiresAt.UnixMilli(), cmd.Priority,
		cmd.LastError, unixMilliOrZero(cmd.NextAttemptAt))
	if err != nil {
		return fmt.Errorf("store queued command: %w", err)
	}
	return nil
}

// Get implements Store.
func (s *SQLiteStore) Get(id string) (QueuedCommand, error) {
	row := s.db.QueryRow(`
		SELECT id, message, status, attempts, max_attempts, created_at, expires_at, priority, last_error, next_attempt_at
		FROM relay_queue WHERE id = ?`, id)

	cmd, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return QueuedCommand{}, ErrNotFound
	}
	if err != nil {
		return QueuedCommand{}, fmt.Errorf("load queued command: %w", err)
	}
	return cmd, nil
}

// All implements Store.
func (s *SQLiteStore) All() ([]QueuedCommand, error) {
	rows, err := s.db.Query(`
		SELECT id, message, status, attempts, max_attempts, created_at, expires_at, priority, last_error, next_attempt_at
		FROM relay_queue`)
	if err != nil {
		return nil, fmt.Errorf("list queued commands: %w", err)
	}
	defer rows.Close()

	var commands []QueuedCommand
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queued command: %w", err)
		}
		commands = append(commands, cmd)
	}
	return commands, rows.Err()
}

// Delete implements Store.
func (s *SQLiteStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM relay_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete queued command: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCommand(row rowScanner) (QueuedCommand, error) {
	var (
		cmd           QueuedCommand
		message       string
		status        string
		createdAt     int64
		expiresAt     int64
		lastError     sql.NullString
		nextAttemptAt sql.NullInt64
	)

	err := row.Scan(&cmd.ID, &message, &status, &cmd.Attempts, &cmd.MaxAttempts,
		&createdAt, &expiresAt, &cmd.Priority, &lastError, &nextAttemptAt)
	if err != nil {
		return QueuedCommand{}, err
	}

	msg, err := protocol.Unmarshal([]byte(message))
	if err != nil {
		return QueuedCommand{}, err
	}

	cmd.Message = msg
	cmd.Status = Status(status)
	cmd.CreatedAt = time.UnixMilli(createdAt).UTC()
	cmd.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	cmd.LastError = lastError.String
	if nextAttemptAt.Valid && nextAttemptAt.Int64 > 0 {
		cmd.NextAttemptAt = time.UnixMilli(nextAttemptAt.Int64).UTC()
	}
	return cmd, nil
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
