package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/ahutanu/sandbooks.space-sub000/internal/config"
	"github.com/ahutanu/sandbooks.space-sub000/internal/sandbox"
)

func TestParseAPIKeys(t *testing.T) {
	keys, err := parseAPIKeys("k1:alice, k2:bob,,")
	if err != nil {
		t.Fatalf("parseAPIKeys: %v", err)
	}
	if len(keys) != 2 || keys["k1"] != "alice" || keys["k2"] != "bob" {
		t.Errorf("keys = %v, want k1→alice k2→bob", keys)
	}

	for _, bad := range []string{"nouser", ":bob", "k1:"} {
		if _, err := parseAPIKeys(bad); err == nil {
			t.Errorf("parseAPIKeys(%q) = nil error, want error", bad)
		}
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LogConfig{Level: "warn", Format: "text"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", slog.String("k", "v"))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info record logged at warn level: %q", out)
	}
	if !strings.Contains(out, "msg=shown") || !strings.Contains(out, "k=v") {
		t.Errorf("text output = %q, want msg=shown k=v", out)
	}

	buf.Reset()
	newLogger(config.LogConfig{}, &buf).Info("json")
	if !strings.HasPrefix(buf.String(), "{") {
		t.Errorf("default format output = %q, want JSON", buf.String())
	}
}

func TestTerminalConfig(t *testing.T) {
	cfg := &config.Config{Terminal: config.TerminalConfig{
		InactivityTimeoutSeconds: 600,
		MaxSessions:              5,
		MaxTimeoutMs:             60000,
		HomeDir:                  "/work",
	}}
	tc := terminalConfig(cfg)
	if tc.InactivityTimeout != 10*time.Minute {
		t.Errorf("InactivityTimeout = %v, want 10m", tc.InactivityTimeout)
	}
	if tc.MaxSessions != 5 || tc.MaxTimeout != time.Minute || tc.HomeDir != "/work" {
		t.Errorf("terminal config = %+v", tc)
	}
	if tc.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m default", tc.CleanupInterval)
	}
}

func TestInitProvider(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := &config.Config{Sandbox: config.SandboxConfig{RootDir: t.TempDir()}}
	p, err := initProvider(cfg, logger)
	if err != nil {
		t.Fatalf("initProvider(process): %v", err)
	}
	if _, ok := p.(*sandbox.ProcessProvider); !ok {
		t.Errorf("provider = %T, want *sandbox.ProcessProvider", p)
	}

	cfg.Sandbox.Type = "docker"
	if _, err := initProvider(cfg, logger); err == nil {
		t.Error("docker without image: expected error")
	}

	cfg.Sandbox.Type = "vm"
	if _, err := initProvider(cfg, logger); err == nil {
		t.Error("unknown sandbox type: expected error")
	}
}

func TestInitShared_NoStorage(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		DataDir: t.TempDir(),
		Sandbox: config.SandboxConfig{RootDir: t.TempDir()},
		Storage: &config.StorageConfig{Driver: "none"},
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		t.Fatalf("initShared: %v", err)
	}
	defer sc.Cleanup()

	if sc.Store != nil {
		t.Errorf("Store = %v, want nil for driver none", sc.Store)
	}
	if status := sc.Obs.Health.CheckReady(context.Background()); status.Status != "ok" {
		t.Errorf("readiness = %+v, want ok", status)
	}
}

func TestInitShared_SQLiteJournal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		DataDir: t.TempDir(),
		Sandbox: config.SandboxConfig{RootDir: t.TempDir()},
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		t.Fatalf("initShared: %v", err)
	}
	defer sc.Cleanup()

	if sc.Store == nil || sc.Store.Driver() != "sqlite" {
		t.Fatalf("Store = %v, want sqlite journal", sc.Store)
	}

	ctx := context.Background()
	sess, err := sc.Manager.CreateSession(ctx)
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := sc.Store.GetSession(ctx, sess.ID); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session never reached the journal")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
