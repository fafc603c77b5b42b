package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ahutanu/sandbooks.space-sub000/internal/sandbox"
)

type pendingCommand struct {
	entry   HistoryEntry
	timeout time.Duration
}

// SubmitCommand records the command in the session history and queues it
// for execution. It returns the command id without waiting for the
// sandbox; the outcome is delivered to subscribers as events. Commands of
// one session run one at a time in submission order.
func (m *Manager) SubmitCommand(ctx context.Context, id string, req CommandRequest) (string, error) {
	req, err := m.validateCommand(req)
	if err != nil {
		return "", err
	}
	s, err := m.lookup(id)
	if err != nil {
		return "", err
	}

	now := m.now()
	entry := HistoryEntry{
		CommandID:   uuid.NewString(),
		Command:     req.Command,
		Language:    req.Language,
		SubmittedAt: now,
		Status:      CommandRunning,
	}
	timeout := m.commandTimeout(req.TimeoutMs)

	s.mu.Lock()
	if s.status == StatusDestroyed {
		s.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrSessionDestroyed, id)
	}
	s.history = appendBounded(s.history, entry, m.cfg.MaxHistory)
	s.lastActivityAt = now
	s.status = StatusActive
	s.inFlight++
	s.pending = append(s.pending, pendingCommand{entry: entry, timeout: timeout})
	start := !s.draining
	s.draining = true
	s.mu.Unlock()

	m.commands.Add(1)
	if m.metrics != nil {
		m.metrics.CommandsSubmitted.Inc()
	}
	if m.journal != nil {
		if err := m.journal.CommandSubmitted(ctx, id, entry); err != nil {
			m.logger.Warn("journal: command submitted", slog.String("command_id", entry.CommandID), slog.String("error", err.Error()))
		}
	}
	if start {
		m.workers.Add(1)
		go m.drain(s)
	}

	m.logger.Debug("command submitted",
		slog.String("session_id", id),
		slog.String("command_id", entry.CommandID),
		slog.Duration("timeout", timeout),
	)
	return entry.CommandID, nil
}

func (m *Manager) validateCommand(req CommandRequest) (CommandRequest, error) {
	if strings.TrimSpace(req.Command) == "" {
		return req, fmt.Errorf("%w: command is required", ErrInvalidCommand)
	}
	if utf8.RuneCountInString(req.Command) > MaxCommandLength {
		return req, fmt.Errorf("%w: command exceeds %d characters", ErrInvalidCommand, MaxCommandLength)
	}
	if req.Language == "" {
		req.Language = DefaultLanguage
	}
	if !ValidLanguage(req.Language) {
		return req, fmt.Errorf("%w: unsupported language %q", ErrInvalidCommand, req.Language)
	}
	if req.TimeoutMs != 0 {
		d := time.Duration(req.TimeoutMs) * time.Millisecond
		if d < m.cfg.MinTimeout || d > m.cfg.MaxTimeout {
			return req, fmt.Errorf("%w: timeoutMs must be between %d and %d",
				ErrInvalidCommand, m.cfg.MinTimeout.Milliseconds(), m.cfg.MaxTimeout.Milliseconds())
		}
	}
	return req, nil
}

// commandTimeout rounds the requested milliseconds up to whole seconds.
func (m *Manager) commandTimeout(ms int) time.Duration {
	if ms <= 0 {
		return m.cfg.DefaultTimeout
	}
	d := time.Duration((ms+999)/1000) * time.Second
	return min(max(d, m.cfg.MinTimeout), m.cfg.MaxTimeout)
}

// appendBounded appends e and evicts the oldest entries beyond limit.
func appendBounded(h []HistoryEntry, e HistoryEntry, limit int) []HistoryEntry {
	h = append(h, e)
	if over := len(h) - limit; over > 0 {
		h = append(h[:0:0], h[over:]...)
	}
	return h
}

// drain runs the session's queued commands until none are left.
func (m *Manager) drain(s *session) {
	defer m.workers.Done()
	for {
		s.mu.Lock()
		if s.status == StatusDestroyed || len(s.pending) == 0 {
			s.draining = false
			s.mu.Unlock()
			return
		}
		cmd := s.pending[0]
		s.pending = s.pending[1:]
		s.mu.Unlock()

		m.execute(s, cmd)
	}
}

func (m *Manager) execute(s *session, cmd pendingCommand) {
	s.mu.Lock()
	h := s.handle
	dir := s.shell.WorkingDir
	s.mu.Unlock()

	if h == nil {
		m.logger.Error("session has no sandbox binding",
			slog.String("session_id", s.id),
			slog.String("command_id", cmd.entry.CommandID),
		)
		m.fail(s, cmd, ErrSandboxMissing, 0)
		return
	}

	if name, value, ok := parseExport(cmd.entry.Command); ok {
		m.applyExport(s, h, name, value)
	}

	start := time.Now()
	res, err := m.provider.Run(s.ctx, h, cmd.entry.Command, sandbox.RunOptions{
		Timeout:    cmd.timeout,
		WorkingDir: dir,
	})
	elapsed := time.Since(start)
	if err != nil {
		m.fail(s, cmd, err, elapsed)
		return
	}

	if isChangeDir(cmd.entry.Command) {
		m.trackChangeDir(s, h, cmd.entry.Command, dir)
	}
	m.complete(s, cmd, res, elapsed)
}

// applyExport pushes NAME=VALUE into the sandbox's persistent environment.
// Failure is logged; the command still runs.
func (m *Manager) applyExport(s *session, h *sandbox.Handle, name, value string) {
	s.mu.Lock()
	cur, ok := s.shell.Env[name]
	s.mu.Unlock()
	if ok && cur == value {
		return
	}

	if err := m.provider.UpdateEnv(s.ctx, h, map[string]string{name: value}); err != nil {
		m.logger.Warn("environment update failed",
			slog.String("session_id", s.id),
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	if s.status != StatusDestroyed {
		s.shell.Env[name] = value
	}
	s.mu.Unlock()
}

// trackChangeDir resolves the directory a cd command lands in. The working
// directory only changes when the follow-up succeeds.
func (m *Manager) trackChangeDir(s *session, h *sandbox.Handle, command, dir string) {
	res, err := m.provider.Run(s.ctx, h, command+" && pwd", sandbox.RunOptions{
		Timeout:    m.cfg.ChangeDirTimeout,
		WorkingDir: dir,
	})
	var next string
	switch {
	case err != nil:
	case res.ExitCode != 0:
		err = fmt.Errorf("exit code %d", res.ExitCode)
	default:
		if next = lastLine(res.Stdout); next == "" {
			err = errors.New("empty pwd output")
		}
	}
	if err != nil {
		m.logger.Warn("working directory unchanged after cd",
			slog.String("session_id", s.id),
			slog.String("working_dir", dir),
			slog.String("error", err.Error()),
		)
		return
	}

	s.mu.Lock()
	if s.status != StatusDestroyed {
		s.shell.WorkingDir = next
	}
	s.mu.Unlock()
}

func (m *Manager) complete(s *session, cmd pendingCommand, res *sandbox.Result, elapsed time.Duration) {
	exitCode := res.ExitCode
	ms := elapsed.Milliseconds()
	entry := m.finishEntry(s, cmd.entry, func(e *HistoryEntry) {
		e.Status = CommandCompleted
		e.ExitCode = &exitCode
		e.DurationMs = &ms
	})

	now := m.now()
	m.hub.broadcast(s.id, Event{
		Type:      EventOutput,
		SessionID: s.id,
		Timestamp: now,
		Data: OutputData{
			CommandID:  entry.CommandID,
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
			ExitCode:   exitCode,
			DurationMs: ms,
		},
	})
	m.hub.broadcast(s.id, Event{
		Type:      EventComplete,
		SessionID: s.id,
		Timestamp: now,
		Data:      CompleteData{CommandID: entry.CommandID, ExitCode: exitCode, DurationMs: ms},
	})

	if m.metrics != nil {
		m.metrics.CommandsFinished.WithLabelValues(string(CommandCompleted)).Inc()
		m.metrics.CommandDuration.Observe(elapsed.Seconds())
	}
	m.logger.Debug("command completed",
		slog.String("session_id", s.id),
		slog.String("command_id", entry.CommandID),
		slog.Int("exit_code", exitCode),
		slog.Int64("duration_ms", ms),
	)
	m.journalFinished(s.id, entry)
}

func (m *Manager) fail(s *session, cmd pendingCommand, err error, elapsed time.Duration) {
	ms := elapsed.Milliseconds()
	entry := m.finishEntry(s, cmd.entry, func(e *HistoryEntry) {
		e.Status = CommandFailed
		e.DurationMs = &ms
		e.Error = err.Error()
	})

	m.hub.broadcast(s.id, Event{
		Type:      EventError,
		SessionID: s.id,
		Timestamp: m.now(),
		Data:      ErrorData{CommandID: entry.CommandID, Error: err.Error()},
	})

	if m.metrics != nil {
		m.metrics.CommandsFinished.WithLabelValues(string(CommandFailed)).Inc()
		m.metrics.CommandDuration.Observe(elapsed.Seconds())
	}
	m.logger.Warn("command failed",
		slog.String("session_id", s.id),
		slog.String("command_id", entry.CommandID),
		slog.String("error", err.Error()),
	)
	m.journalFinished(s.id, entry)
}

// finishEntry applies update to the history entry (if not yet evicted)
// and to the submitted copy, and releases the in-flight slot.
func (m *Manager) finishEntry(s *session, submitted HistoryEntry, update func(*HistoryEntry)) HistoryEntry {
	update(&submitted)

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.history {
		if s.history[i].CommandID == submitted.CommandID {
			update(&s.history[i])
			break
		}
	}
	s.inFlight--
	if s.status != StatusDestroyed {
		s.lastActivityAt = m.now()
		m.settle(s)
	}
	return submitted
}

func (m *Manager) journalFinished(sessionID string, entry HistoryEntry) {
	if m.journal == nil {
		return
	}
	if err := m.journal.CommandFinished(context.Background(), sessionID, entry); err != nil {
		m.logger.Warn("journal: command finished", slog.String("command_id", entry.CommandID), slog.String("error", err.Error()))
	}
}
