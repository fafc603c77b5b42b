// Package terminal implements the terminal session manager: one sandbox per
// session, shell state carried across stateless command runs, asynchronous
// execution, and fan-out of results to every subscriber of a session.
package terminal

import (
	"slices"
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusIdle      Status = "idle"
	StatusDestroyed Status = "destroyed"
)

// CommandStatus is the state of a history entry.
type CommandStatus string

const (
	CommandRunning   CommandStatus = "running"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
)

// Command request bounds.
const (
	MaxCommandLength = 10000
	DefaultLanguage  = "bash"
)

// Languages lists the accepted command languages. The language is recorded
// with the command but every command runs through the sandbox shell.
var Languages = []string{"bash", "sh", "python", "javascript", "typescript", "go", "ruby", "rust"}

// ValidLanguage reports whether lang is an accepted language.
func ValidLanguage(lang string) bool {
	return slices.Contains(Languages, lang)
}

// HistoryEntry is one submitted command.
type HistoryEntry struct {
	CommandID   string        `json:"commandId"`
	Command     string        `json:"command"`
	Language    string        `json:"language"`
	SubmittedAt time.Time     `json:"submittedAt"`
	Status      CommandStatus `json:"status"`
	ExitCode    *int          `json:"exitCode,omitempty"`
	DurationMs  *int64        `json:"durationMs,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Session is a point-in-time snapshot of a session record.
type Session struct {
	ID             string         `json:"sessionId"`
	SandboxID      string         `json:"sandboxId"`
	Status         Status         `json:"status"`
	CreatedAt      time.Time      `json:"createdAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	History        []HistoryEntry `json:"commandHistory"`
	Subscribers    int            `json:"subscribers"`
}

// ShellState is the state a session carries between command runs.
type ShellState struct {
	WorkingDir string
	Env        map[string]string
}

// CommandRequest is a command submission.
type CommandRequest struct {
	Command  string `json:"command"`
	Language string `json:"language,omitempty"`
	// TimeoutMs is optional. Zero selects the default timeout.
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// Stats aggregates manager counters.
type Stats struct {
	TotalSessions     int   `json:"totalSessions"`
	ActiveSessions    int   `json:"activeSessions"`
	IdleSessions      int   `json:"idleSessions"`
	DestroyedSessions int64 `json:"destroyedSessions"`
	TotalCommands     int64 `json:"totalCommands"`
	TotalSubscribers  int   `json:"totalSubscribers"`
}

// CleanupResult reports an inactivity sweep.
type CleanupResult struct {
	CleanedCount int            `json:"cleanedSessions"`
	Errors       []CleanupError `json:"errors"`
}

// CleanupError is a per-session failure during a sweep.
type CleanupError struct {
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// Subscriber describes a connected consumer of a session's events.
type Subscriber struct {
	ClientID        string    `json:"clientId"`
	SessionID       string    `json:"sessionId"`
	ConnectedAt     time.Time `json:"connectedAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}
