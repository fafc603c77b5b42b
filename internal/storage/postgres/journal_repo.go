package postgres

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ahutanu/sandbooks.space-sub000/internal/storage"
	"github.com/ahutanu/sandbooks.space-sub000/internal/terminal"
)

// JournalRepository implements session journal persistence with GORM.
// It is shared by the PostgreSQL and SQLite backends.
type JournalRepository struct {
	db *gorm.DB
}

// NewJournalRepository creates a JournalRepository.
func NewJournalRepository(db *gorm.DB) *JournalRepository {
	return &JournalRepository{db: db}
}

// SessionCreated records a new session. Replays are ignored.
func (r *JournalRepository) SessionCreated(ctx context.Context, s terminal.Session) error {
	model, err := toSessionModel(s)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("recording session %s: %w", s.ID, err)
	}
	return nil
}

// SessionDestroyed stamps the destruction time and reason on a session.
func (r *JournalRepository) SessionDestroyed(ctx context.Context, sessionID, reason string, at time.Time) error {
	id, err := parseID("session", sessionID)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).
		Model(&SessionModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"destroyed_at":   at.UTC(),
			"destroy_reason": reason,
		})
	if result.Error != nil {
		return fmt.Errorf("recording destroy of session %s: %w", sessionID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
	}
	return nil
}

// CommandSubmitted records a running command.
func (r *JournalRepository) CommandSubmitted(ctx context.Context, sessionID string, e terminal.HistoryEntry) error {
	model, err := toCommandModel(sessionID, e)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("recording command %s: %w", e.CommandID, err)
	}
	return nil
}

// CommandFinished records the outcome of a command. A finish without a
// prior submission inserts the full row.
func (r *JournalRepository) CommandFinished(ctx context.Context, sessionID string, e terminal.HistoryEntry) error {
	model, err := toCommandModel(sessionID, e)
	if err != nil {
		return err
	}
	model.FinishedAt = utcPtr(time.Now())
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "exit_code", "duration_ms", "error", "finished_at", "updated_at"}),
		}).
		Create(&model).Error; err != nil {
		return fmt.Errorf("recording outcome of command %s: %w", e.CommandID, err)
	}
	return nil
}

// GetSession returns a session record with its command count.
func (r *JournalRepository) GetSession(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	id, err := parseID("session", sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrNotFound, err)
	}
	var model SessionModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %s: %w", sessionID, storage.ErrNotFound)
		}
		return nil, fmt.Errorf("getting session %s: %w", sessionID, err)
	}
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&CommandModel{}).
		Where("session_id = ?", id).
		Count(&count).Error; err != nil {
		return nil, fmt.Errorf("counting commands of session %s: %w", sessionID, err)
	}
	return toSessionRecord(&model, count), nil
}

// ListCommands returns the newest limit commands of a session, oldest first.
func (r *JournalRepository) ListCommands(ctx context.Context, sessionID string, limit int) ([]storage.CommandRecord, error) {
	id, err := parseID("session", sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrNotFound, err)
	}
	q := r.db.WithContext(ctx).
		Where("session_id = ?", id).
		Order("submitted_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []CommandModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing commands of session %s: %w", sessionID, err)
	}
	records := make([]storage.CommandRecord, len(models))
	for i := range models {
		records[i] = toCommandRecord(&models[i])
	}
	slices.Reverse(records)
	return records, nil
}

// PruneBefore deletes destroyed sessions that ended before t, with their commands.
func (r *JournalRepository) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	var pruned int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale := tx.Model(&SessionModel{}).
			Select("id").
			Where("destroyed_at IS NOT NULL AND destroyed_at < ?", t.UTC())
		if err := tx.Where("session_id IN (?)", stale).Delete(&CommandModel{}).Error; err != nil {
			return fmt.Errorf("pruning commands: %w", err)
		}
		result := tx.Where("destroyed_at IS NOT NULL AND destroyed_at < ?", t.UTC()).Delete(&SessionModel{})
		if result.Error != nil {
			return fmt.Errorf("pruning sessions: %w", result.Error)
		}
		pruned = result.RowsAffected
		return nil
	})
	return pruned, err
}

// Migrate creates or updates the journal tables.
func (r *JournalRepository) Migrate() error {
	return r.db.AutoMigrate(&SessionModel{}, &CommandModel{})
}
