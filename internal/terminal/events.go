package terminal

import (
	"context"
	"time"
)

// EventType is the kind of a session event.
type EventType string

const (
	EventConnected        EventType = "connected"
	EventOutput           EventType = "output"
	EventError            EventType = "error"
	EventComplete         EventType = "complete"
	EventHeartbeat        EventType = "heartbeat"
	EventSessionDestroyed EventType = "session_destroyed"
)

// Event is delivered to subscribers. Data holds one of the *Data payloads.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"sessionId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

type ConnectedData struct {
	SessionID string `json:"sessionId"`
	SandboxID string `json:"sandboxId"`
	ClientID  string `json:"clientId"`
}

type OutputData struct {
	CommandID  string `json:"commandId"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
}

type CompleteData struct {
	CommandID  string `json:"commandId"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
}

type ErrorData struct {
	CommandID string `json:"commandId,omitempty"`
	Error     string `json:"error"`
}

type HeartbeatData struct {
	Timestamp time.Time `json:"timestamp"`
}

type SessionDestroyedData struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// Sink is the transport side of a subscriber (an SSE response, a WebSocket,
// an in-process channel). Send is only called from one goroutine at a time.
// Done is closed when the transport goes away, after which the subscriber
// is unregistered.
type Sink interface {
	Send(ctx context.Context, ev Event) error
	Done() <-chan struct{}
	Close() error
}
