package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ahutanu/sandbooks.space-sub000/internal/storage"
	"github.com/ahutanu/sandbooks.space-sub000/internal/terminal"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "journal.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newSession(t *testing.T, s *Store) terminal.Session {
	t.Helper()
	sess := terminal.Session{
		ID:        uuid.NewString(),
		SandboxID: "sbx-" + uuid.NewString()[:8],
		CreatedAt: time.Now(),
	}
	if err := s.SessionCreated(context.Background(), sess); err != nil {
		t.Fatalf("SessionCreated: %v", err)
	}
	return sess
}

func newEntry(command string, at time.Time) terminal.HistoryEntry {
	return terminal.HistoryEntry{
		CommandID:   uuid.NewString(),
		Command:     command,
		Language:    "bash",
		SubmittedAt: at,
		Status:      terminal.CommandRunning,
	}
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestStore_Driver(t *testing.T) {
	s := openTestStore(t)
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver() = %q, want sqlite", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestJournal_SessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s)

	// Replaying the creation is harmless.
	if err := s.SessionCreated(ctx, sess); err != nil {
		t.Fatalf("replayed SessionCreated: %v", err)
	}

	rec, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.SandboxID != sess.SandboxID {
		t.Errorf("SandboxID = %q, want %q", rec.SandboxID, sess.SandboxID)
	}
	if rec.DestroyedAt != nil {
		t.Error("live session should not have DestroyedAt")
	}

	if err := s.SessionDestroyed(ctx, sess.ID, "inactive", time.Now()); err != nil {
		t.Fatalf("SessionDestroyed: %v", err)
	}
	rec, err = s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession after destroy: %v", err)
	}
	if rec.DestroyedAt == nil || rec.DestroyReason != "inactive" {
		t.Errorf("record = %+v, want destroyed with reason inactive", rec)
	}
}

func TestJournal_UnknownSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSession(ctx, uuid.NewString()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSession(unknown) = %v, want ErrNotFound", err)
	}
	if _, err := s.GetSession(ctx, "not-a-uuid"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSession(malformed) = %v, want ErrNotFound", err)
	}
	if err := s.SessionDestroyed(ctx, uuid.NewString(), "requested", time.Now()); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("SessionDestroyed(unknown) = %v, want ErrNotFound", err)
	}
}

func TestJournal_CommandOutcome(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s)

	entry := newEntry("echo ready", time.Now())
	if err := s.CommandSubmitted(ctx, sess.ID, entry); err != nil {
		t.Fatalf("CommandSubmitted: %v", err)
	}

	code := 3
	dur := int64(42)
	entry.Status = terminal.CommandCompleted
	entry.ExitCode = &code
	entry.DurationMs = &dur
	if err := s.CommandFinished(ctx, sess.ID, entry); err != nil {
		t.Fatalf("CommandFinished: %v", err)
	}

	cmds, err := s.ListCommands(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("ListCommands: %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("len(cmds) = %d, want 1", len(cmds))
	}
	got := cmds[0]
	if got.Status != terminal.CommandCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 3 {
		t.Errorf("ExitCode = %v, want 3", got.ExitCode)
	}
	if got.DurationMs == nil || *got.DurationMs != 42 {
		t.Errorf("DurationMs = %v, want 42", got.DurationMs)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt should be set")
	}

	rec, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rec.CommandCount != 1 {
		t.Errorf("CommandCount = %d, want 1", rec.CommandCount)
	}
}

func TestJournal_FailedCommandWithoutSubmit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s)

	entry := newEntry("sleep 500", time.Now())
	entry.Status = terminal.CommandFailed
	entry.Error = "execution timed out"
	if err := s.CommandFinished(ctx, sess.ID, entry); err != nil {
		t.Fatalf("CommandFinished: %v", err)
	}
	cmds, err := s.ListCommands(ctx, sess.ID, 0)
	if err != nil {
		t.Fatalf("ListCommands: %v", err)
	}
	if len(cmds) != 1 || cmds[0].Error != "execution timed out" {
		t.Errorf("commands = %+v, want one failed entry", cmds)
	}
}

func TestJournal_ListCommandsLimitKeepsNewest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sess := newSession(t, s)

	base := time.Now().Add(-time.Hour)
	for i, cmd := range []string{"one", "two", "three", "four"} {
		if err := s.CommandSubmitted(ctx, sess.ID, newEntry(cmd, base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("CommandSubmitted(%s): %v", cmd, err)
		}
	}

	cmds, err := s.ListCommands(ctx, sess.ID, 2)
	if err != nil {
		t.Fatalf("ListCommands: %v", err)
	}
	if len(cmds) != 2 {
		t.Fatalf("len(cmds) = %d, want 2", len(cmds))
	}
	if cmds[0].Command != "three" || cmds[1].Command != "four" {
		t.Errorf("commands = [%s %s], want [three four]", cmds[0].Command, cmds[1].Command)
	}
}

func TestJournal_PruneBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := newSession(t, s)
	live := newSession(t, s)
	if err := s.CommandSubmitted(ctx, old.ID, newEntry("ls", time.Now())); err != nil {
		t.Fatal(err)
	}
	if err := s.SessionDestroyed(ctx, old.ID, "requested", time.Now().Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}

	n, err := s.PruneBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneBefore: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
	if _, err := s.GetSession(ctx, old.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("old session = %v, want ErrNotFound", err)
	}
	cmds, err := s.ListCommands(ctx, old.ID, 0)
	if err != nil {
		t.Fatalf("ListCommands: %v", err)
	}
	if len(cmds) != 0 {
		t.Errorf("old commands = %d, want 0", len(cmds))
	}
	if _, err := s.GetSession(ctx, live.ID); err != nil {
		t.Errorf("live session should survive prune: %v", err)
	}
}
