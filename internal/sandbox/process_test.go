package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"
)

func newTestProcessProvider(t *testing.T) *ProcessProvider {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewProcessProvider(ProcessConfig{RootDir: t.TempDir()}, logger)
}

func createSandbox(t *testing.T, p Provider) *Handle {
	t.Helper()
	h, err := p.CreateIsolated(context.Background())
	if err != nil {
		t.Fatalf("CreateIsolated: %v", err)
	}
	t.Cleanup(func() { _ = p.Destroy(context.Background(), h) })
	return h
}

func TestProcessProvider_RunInHome(t *testing.T) {
	p := newTestProcessProvider(t)
	h := createSandbox(t, p)

	res, err := p.Run(context.Background(), h, "pwd", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != h.HomeDir {
		t.Errorf("pwd = %q, want %q", got, h.HomeDir)
	}
	if res.ExitCode != 0 {
		t.Errorf("exit code = %d, want 0", res.ExitCode)
	}
}

func TestProcessProvider_NonZeroExit(t *testing.T) {
	p := newTestProcessProvider(t)
	h := createSandbox(t, p)

	res, err := p.Run(context.Background(), h, "echo oops >&2; exit 3", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if got := strings.TrimSpace(res.Stderr); got != "oops" {
		t.Errorf("stderr = %q, want %q", got, "oops")
	}
}

func TestProcessProvider_WorkingDir(t *testing.T) {
	p := newTestProcessProvider(t)
	h := createSandbox(t, p)

	if err := os.Mkdir(h.HomeDir+"/work", 0o755); err != nil {
		t.Fatal(err)
	}
	res, err := p.Run(context.Background(), h, "pwd", RunOptions{WorkingDir: h.HomeDir + "/work"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != h.HomeDir+"/work" {
		t.Errorf("pwd = %q, want %q", got, h.HomeDir+"/work")
	}
}

func TestProcessProvider_Timeout(t *testing.T) {
	p := newTestProcessProvider(t)
	h := createSandbox(t, p)

	_, err := p.Run(context.Background(), h, "sleep 10", RunOptions{Timeout: 200 * time.Millisecond})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestProcessProvider_UpdateEnvPersists(t *testing.T) {
	p := newTestProcessProvider(t)
	h := createSandbox(t, p)
	ctx := context.Background()

	if err := p.UpdateEnv(ctx, h, map[string]string{"FOO": "bar"}); err != nil {
		t.Fatalf("UpdateEnv: %v", err)
	}
	if err := p.UpdateEnv(ctx, h, map[string]string{"FOO": "bar"}); err != nil {
		t.Fatalf("UpdateEnv: %v", err)
	}

	res, err := p.Run(ctx, h, "env | grep -c '^FOO=bar$'", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "1" {
		t.Errorf("FOO occurrences = %q, want 1", got)
	}
}

func TestProcessProvider_NoHostEnv(t *testing.T) {
	t.Setenv("SANDBOOKS_SECRET", "leak")
	p := newTestProcessProvider(t)
	h := createSandbox(t, p)

	res, err := p.Run(context.Background(), h, "echo \"[$SANDBOOKS_SECRET]\"", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "[]" {
		t.Errorf("host env leaked: %q", got)
	}
}

func TestProcessProvider_DestroyRemovesHome(t *testing.T) {
	p := newTestProcessProvider(t)
	h, err := p.CreateIsolated(context.Background())
	if err != nil {
		t.Fatalf("CreateIsolated: %v", err)
	}
	if err := p.Destroy(context.Background(), h); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := os.Stat(h.HomeDir); !os.IsNotExist(err) {
		t.Errorf("home still exists after destroy: %v", err)
	}
	if _, err := p.Run(context.Background(), h, "true", RunOptions{}); !errors.Is(err, ErrUnknownSandbox) {
		t.Errorf("Run after destroy err = %v, want ErrUnknownSandbox", err)
	}
}

func TestProcessProvider_UniqueIDs(t *testing.T) {
	p := newTestProcessProvider(t)
	seen := make(map[string]bool)
	for range 5 {
		h := createSandbox(t, p)
		if seen[h.ID] {
			t.Fatalf("duplicate sandbox id %q", h.ID)
		}
		seen[h.ID] = true
	}
}

func TestLimitedWriter(t *testing.T) {
	var sb strings.Builder
	w := &limitedWriter{w: &sb, remaining: 4}
	n, err := w.Write([]byte("abcdef"))
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 6 {
		t.Errorf("n = %d, want 6", n)
	}
	if _, err := w.Write([]byte("gh")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if sb.String() != "abcd" {
		t.Errorf("buffer = %q, want %q", sb.String(), "abcd")
	}
}
