// Package sqlite implements the session journal using SQLite via GORM.
// Uses modernc.org/sqlite (pure Go, no CGO) through the glebarez/sqlite GORM driver.
//
// Key differences from the PostgreSQL backend:
//   - WAL mode enabled by default for concurrent reads
//   - UUID columns are stored as TEXT
//   - No connection pooling (single file, WAL handles concurrency)
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/ahutanu/sandbooks.space-sub000/internal/storage"
	pgstore "github.com/ahutanu/sandbooks.space-sub000/internal/storage/postgres"
	"github.com/ahutanu/sandbooks.space-sub000/internal/terminal"
)

// Config holds SQLite-specific configuration.
type Config struct {
	Path        string // Database file path.
	JournalMode string // WAL mode by default.
}

// Store implements storage.Store backed by SQLite.
type Store struct {
	db      *gorm.DB
	logger  *slog.Logger
	path    string
	journal *pgstore.JournalRepository
}

// Open creates a new SQLite-backed Store.
func Open(cfg Config, slogger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("creating database directory %s: %w", dir, err)
	}

	journalMode := cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	dsn := fmt.Sprintf("%s?_pragma=journal_mode(%s)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", cfg.Path, journalMode)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  pgstore.NewGormLogger(slogger),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}

	s := &Store{
		db:      db,
		logger:  slogger,
		path:    cfg.Path,
		journal: pgstore.NewJournalRepository(db),
	}

	slogger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", journalMode))
	return s, nil
}

// Migrate runs GORM AutoMigrate using the same models as the PostgreSQL backend.
func (s *Store) Migrate(_ context.Context) error {
	if err := s.journal.Migrate(); err != nil {
		return fmt.Errorf("migrating sqlite journal: %w", err)
	}
	return nil
}

// Ping checks the database file is reachable.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Driver returns "sqlite".
func (s *Store) Driver() string {
	return storage.DriverSQLite
}

// --- Journal ---
// The journal reuses the PostgreSQL repository since it operates on the
// same GORM models. GORM's SQLite dialect handles the SQL differences.

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
