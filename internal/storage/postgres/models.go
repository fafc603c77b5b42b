package postgres

import (
	"time"

	"github.com/google/uuid"
)

// SessionModel maps to the "terminal_sessions" table.
type SessionModel struct {
	ID            uuid.UUID  `gorm:"type:uuid;primaryKey"`
	SandboxID     string     `gorm:"not null;index"`
	CreatedAt     time.Time  `gorm:"not null"`
	DestroyedAt   *time.Time `gorm:"index"`
	DestroyReason string
	UpdatedAt     time.Time
}

func (SessionModel) TableName() string { return "terminal_sessions" }

// CommandModel maps to the "terminal_commands" table.
type CommandModel struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID   uuid.UUID `gorm:"type:uuid;not null;index:idx_commands_session_submitted,priority:1"`
	Command     string    `gorm:"type:text;not null"`
	Language    string    `gorm:"not null;default:bash"`
	Status      string    `gorm:"not null"`
	ExitCode    *int
	DurationMs  *int64
	Error       string    `gorm:"type:text"`
	SubmittedAt time.Time `gorm:"not null;index:idx_commands_session_submitted,priority:2"`
	FinishedAt  *time.Time
	UpdatedAt   time.Time
}

func (CommandModel) TableName() string { return "terminal_commands" }
