package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ahutanu/sandbooks.space-sub000/internal/storage"
	"github.com/ahutanu/sandbooks.space-sub000/internal/terminal"
)

func parseID(kind, id string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s id %q: %w", kind, id, err)
	}
	return u, nil
}

// --- Session ---

func toSessionModel(s terminal.Session) (SessionModel, error) {
	id, err := parseID("session", s.ID)
	if err != nil {
		return SessionModel{}, err
	}
	return SessionModel{
		ID:        id,
		SandboxID: s.SandboxID,
		CreatedAt: s.CreatedAt.UTC(),
	}, nil
}

func toSessionRecord(m *SessionModel, commands int64) *storage.SessionRecord {
	return &storage.SessionRecord{
		ID:            m.ID.String(),
		SandboxID:     m.SandboxID,
		CreatedAt:     m.CreatedAt,
		DestroyedAt:   m.DestroyedAt,
		DestroyReason: m.DestroyReason,
		CommandCount:  commands,
	}
}

// --- Command ---

func toCommandModel(sessionID string, e terminal.HistoryEntry) (CommandModel, error) {
	sid, err := parseID("session", sessionID)
	if err != nil {
		return CommandModel{}, err
	}
	cid, err := parseID("command", e.CommandID)
	if err != nil {
		return CommandModel{}, err
	}
	return CommandModel{
		ID:          cid,
		SessionID:   sid,
		Command:     e.Command,
		Language:    e.Language,
		Status:      string(e.Status),
		ExitCode:    e.ExitCode,
		DurationMs:  e.DurationMs,
		Error:       e.Error,
		SubmittedAt: e.SubmittedAt.UTC(),
	}, nil
}

func toCommandRecord(m *CommandModel) storage.CommandRecord {
	return storage.CommandRecord{
		CommandID:   m.ID.String(),
		SessionID:   m.SessionID.String(),
		Command:     m.Command,
		Language:    m.Language,
		Status:      terminal.CommandStatus(m.Status),
		ExitCode:    m.ExitCode,
		DurationMs:  m.DurationMs,
		Error:       m.Error,
		SubmittedAt: m.SubmittedAt,
		FinishedAt:  m.FinishedAt,
	}
}

func utcPtr(t time.Time) *time.Time {
	u := t.UTC()
	return &u
}
