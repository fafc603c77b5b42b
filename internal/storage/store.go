// Package storage defines the session journal store. The journal outlives
// the in-memory session registry: it keeps who created which sandbox, every
// command that ran, and why the session ended.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/ahutanu/sandbooks.space-sub000/internal/terminal"
)

// ErrNotFound is returned when a journal record does not exist.
var ErrNotFound = errors.New("journal record not found")

// Store persists terminal session activity. Both SQLite and PostgreSQL
// backends implement this interface.
type Store interface {
	terminal.Journal

	// GetSession returns the journal record for a session, live or destroyed.
	GetSession(ctx context.Context, sessionID string) (*SessionRecord, error)
	// ListCommands returns the newest commands of a session, oldest first.
	// limit <= 0 returns every command.
	ListCommands(ctx context.Context, sessionID string, limit int) ([]CommandRecord, error)
	// PruneBefore deletes destroyed sessions (and their commands) that ended before t.
	PruneBefore(ctx context.Context, t time.Time) (int64, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// SessionRecord is the journaled view of a session.
type SessionRecord struct {
	ID            string     `json:"sessionId"`
	SandboxID     string     `json:"sandboxId"`
	CreatedAt     time.Time  `json:"createdAt"`
	DestroyedAt   *time.Time `json:"destroyedAt,omitempty"`
	DestroyReason string     `json:"destroyReason,omitempty"`
	CommandCount  int64      `json:"commandCount"`
}

// CommandRecord is the journaled view of a command.
type CommandRecord struct {
	CommandID   string                 `json:"commandId"`
	SessionID   string                 `json:"sessionId"`
	Command     string                 `json:"command"`
	Language    string                 `json:"language"`
	Status      terminal.CommandStatus `json:"status"`
	ExitCode    *int                   `json:"exitCode,omitempty"`
	DurationMs  *int64                 `json:"durationMs,omitempty"`
	Error       string                 `json:"error,omitempty"`
	SubmittedAt time.Time              `json:"submittedAt"`
	FinishedAt  *time.Time             `json:"finishedAt,omitempty"`
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"

// DriverNone disables the journal.
const DriverNone = "none"
