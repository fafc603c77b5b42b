// Package sandbox provides the isolated execution environments that back
// terminal sessions. Each session owns exactly one sandbox for its lifetime;
// the provider creates it, runs stateless commands in it, keeps its global
// environment, and tears it down.
package sandbox

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"maps"
	"sync"
	"time"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout    = 30 * time.Second
	defaultCPUSeconds = 60
	defaultMemoryMB   = 512

	// DefaultHomeDir is the working directory a fresh sandbox starts in.
	DefaultHomeDir = "/home/sandbox"
)

var (
	// ErrTimeout is returned when a command exceeds its timeout.
	ErrTimeout = errors.New("execution timed out")
	// ErrUnknownSandbox is returned for handles the provider does not own.
	ErrUnknownSandbox = errors.New("unknown sandbox")
)

// Provider manages the lifecycle of isolated sandboxes.
// Run is stateless: nothing but the global environment set through UpdateEnv
// survives between calls, so callers pass the working directory every time.
type Provider interface {
	CreateIsolated(ctx context.Context) (*Handle, error)
	Run(ctx context.Context, h *Handle, command string, opts RunOptions) (*Result, error)
	UpdateEnv(ctx context.Context, h *Handle, env map[string]string) error
	Destroy(ctx context.Context, h *Handle) error
}

// Pinger is implemented by providers that can report backend readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handle identifies a sandbox owned by a provider.
type Handle struct {
	ID        string
	Backend   string
	HomeDir   string
	CreatedAt time.Time
}

// RunOptions constrains a single command execution.
type RunOptions struct {
	// Timeout is the wall-clock limit. Zero = provider default.
	Timeout time.Duration

	// WorkingDir is the directory the command starts in. Empty = sandbox home.
	WorkingDir string
}

// Result captures the outcome of a command. A non-zero exit code is a
// result, not an error.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// ResourceLimits constrains sandboxed processes.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// envTable keeps the persistent environment of every live sandbox.
type envTable struct {
	mu  sync.Mutex
	env map[string]map[string]string
}

func newEnvTable() *envTable {
	return &envTable{env: make(map[string]map[string]string)}
}

func (t *envTable) add(id string) {
	t.mu.Lock()
	t.env[id] = make(map[string]string)
	t.mu.Unlock()
}

func (t *envTable) merge(id string, env map[string]string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.env[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSandbox, id)
	}
	maps.Copy(cur, env)
	return nil
}

func (t *envTable) snapshot(id string) (map[string]string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, ok := t.env[id]
	if !ok {
		return nil, false
	}
	return maps.Clone(cur), true
}

func (t *envTable) remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.env[id]
	delete(t.env, id)
	return ok
}

func resolveTimeout(d, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	if fallback > 0 {
		return fallback
	}
	return defaultTimeout
}

// newSandboxName returns a unique name: <prefix>-<16 hex chars>.
func newSandboxName(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "-" + hex.EncodeToString(b), nil
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is silently discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	n := len(p)
	if n > lw.remaining {
		p = p[:lw.remaining]
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
