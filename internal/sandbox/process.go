package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"
)

// ProcessConfig configures the process-based provider.
type ProcessConfig struct {
	// RootDir is where sandbox home directories are created. Empty = os.TempDir().
	RootDir        string
	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits
}

// ProcessProvider runs each sandbox as a private home directory on the host.
//
// Security guarantees:
//   - Each sandbox gets its own temp directory (removed on Destroy)
//   - Commands run in their own process group (Setpgid)
//   - Entire process group killed on timeout/cancel
//   - No environment inheritance from the host, only a minimal safe set
//   - Resource limits enforced via ulimit
//   - stdout/stderr capped to prevent OOM
//
// It is meant for development and tests; use DockerProvider for untrusted code.
type ProcessProvider struct {
	rootDir        string
	defaultTimeout time.Duration
	limits         ResourceLimits
	env            *envTable
	logger         *slog.Logger
}

// NewProcessProvider creates a process-based provider.
func NewProcessProvider(cfg ProcessConfig, logger *slog.Logger) *ProcessProvider {
	limits := cfg.DefaultLimits
	if limits.MaxCPUSeconds == 0 {
		limits.MaxCPUSeconds = defaultCPUSeconds
	}
	if limits.MaxMemoryMB == 0 {
		limits.MaxMemoryMB = defaultMemoryMB
	}
	return &ProcessProvider{
		rootDir:        cfg.RootDir,
		defaultTimeout: resolveTimeout(cfg.DefaultTimeout, defaultTimeout),
		limits:         limits,
		env:            newEnvTable(),
		logger:         logger,
	}
}

// CreateIsolated creates a fresh home directory for a new sandbox.
func (p *ProcessProvider) CreateIsolated(_ context.Context) (*Handle, error) {
	name, err := newSandboxName("sandbooks-proc")
	if err != nil {
		return nil, fmt.Errorf("generating sandbox name: %w", err)
	}
	home, err := os.MkdirTemp(p.rootDir, name+"-*")
	if err != nil {
		return nil, fmt.Errorf("creating sandbox home: %w", err)
	}
	p.env.add(name)

	p.logger.Debug("process sandbox created",
		slog.String("sandbox_id", name),
		slog.String("home", home),
	)
	return &Handle{
		ID:        name,
		Backend:   "process",
		HomeDir:   home,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Run executes a shell command inside the sandbox home.
func (p *ProcessProvider) Run(ctx context.Context, h *Handle, command string, opts RunOptions) (*Result, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}
	env, ok := p.env.snapshot(h.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSandbox, h.ID)
	}

	timeout := resolveTimeout(opts.Timeout, p.defaultTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The command string is handed to the shell as $1 so the ulimit
	// prefix never mixes with user input.
	script := fmt.Sprintf(
		"ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; eval \"$1\"",
		p.limits.MaxMemoryMB*1024, p.limits.MaxCPUSeconds,
	)
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", script, "_", command)

	cmd.Dir = h.HomeDir
	if opts.WorkingDir != "" {
		cmd.Dir = opts.WorkingDir
	}

	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		// Negative PID = kill the entire process group.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = time.Second
	cmd.Env = buildProcessEnv(h.HomeDir, env)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	p.logger.Debug("process sandbox executing",
		slog.String("sandbox_id", h.ID),
		slog.String("dir", cmd.Dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			p.logger.Warn("process sandbox timed out",
				slog.String("sandbox_id", h.ID),
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	return &Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		ExitCode: exitCode,
		Duration: duration,
	}, nil
}

// UpdateEnv merges env into the sandbox's persistent environment.
func (p *ProcessProvider) UpdateEnv(_ context.Context, h *Handle, env map[string]string) error {
	return p.env.merge(h.ID, env)
}

// Destroy removes the sandbox home directory.
func (p *ProcessProvider) Destroy(_ context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	known := p.env.remove(h.ID)
	if h.HomeDir != "" && filepath.IsAbs(h.HomeDir) {
		if err := os.RemoveAll(h.HomeDir); err != nil {
			return fmt.Errorf("removing sandbox home: %w", err)
		}
	}
	if !known {
		return fmt.Errorf("%w: %s", ErrUnknownSandbox, h.ID)
	}
	return nil
}

// Ping reports whether sandbox homes can be created.
func (p *ProcessProvider) Ping(_ context.Context) error {
	root := p.rootDir
	if root == "" {
		root = os.TempDir()
	}
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}
	return nil
}

// EnvOf returns a copy of the sandbox's persistent environment.
func (p *ProcessProvider) EnvOf(h *Handle) (map[string]string, bool) {
	return p.env.snapshot(h.ID)
}

// buildProcessEnv constructs a minimal environment; the host's is never inherited.
func buildProcessEnv(home string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + home,
		"TMPDIR=" + home,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}
