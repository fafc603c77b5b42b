package postgres

import (
	"context"
	"time"

	"github.com/ahutanu/sandbooks.space-sub000/internal/storage"
	"github.com/ahutanu/sandbooks.space-sub000/internal/terminal"
)

// Store implements storage.Store backed by PostgreSQL.
type Store struct {
	pgDB    *DB
	journal *JournalRepository
}

// NewStore wraps an existing DB as a journal Store.
func NewStore(pgDB *DB) *Store {
	return &Store{
		pgDB:    pgDB,
		journal: NewJournalRepository(pgDB.GormDB()),
	}
}

func (s *Store) Migrate(_ context.Context) error {
	// Migration is done in Open().
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

func (s *Store) SessionCreated(ctx context.Context, sess terminal.Session) error {
	return s.journal.SessionCreated(ctx, sess)
}

func (s *Store) SessionDestroyed(ctx context.Context, sessionID, reason string, at time.Time) error {
	return s.journal.SessionDestroyed(ctx, sessionID, reason, at)
}

func (s *Store) CommandSubmitted(ctx context.Context, sessionID string, e terminal.HistoryEntry) error {
	return s.journal.CommandSubmitted(ctx, sessionID, e)
}

func (s *Store) CommandFinished(ctx context.Context, sessionID string, e terminal.HistoryEntry) error {
	return s.journal.CommandFinished(ctx, sessionID, e)
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	return s.journal.GetSession(ctx, sessionID)
}

func (s *Store) ListCommands(ctx context.Context, sessionID string, limit int) ([]storage.CommandRecord, error) {
	return s.journal.ListCommands(ctx, sessionID, limit)
}

func (s *Store) PruneBefore(ctx context.Context, t time.Time) (int64, error) {
	return s.journal.PruneBefore(ctx, t)
}

var _ storage.Store = (*Store)(nil)
