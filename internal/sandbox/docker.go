package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"strconv"
	"time"
)

const (
	defaultDockerPIDsLimit = 64
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "ubuntu:24.04"
)

// DockerConfig configures the Docker-based provider.
type DockerConfig struct {
	Image          string        // Container image (e.g. "ubuntu:24.04").
	HomeDir        string        // Working directory the container starts in.
	DefaultTimeout time.Duration // Wall-clock timeout per command.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int           // --pids-limit (prevents fork bombs).
	NetworkAllowed bool          // false = --network=none.
}

// DockerProvider backs each sandbox with one long-lived container.
//
// Security guarantees:
//   - ALL Linux capabilities dropped (--cap-drop=ALL)
//   - Privilege escalation blocked (--security-opt=no-new-privileges)
//   - Non-root user (--user=65534:65534)
//   - Network disabled by default (--network=none)
//   - Memory hard limit with no swap, PIDs limit, CPU rate limit
//   - stdout/stderr capped to prevent OOM on the host
//   - Container force-removed on Destroy
type DockerProvider struct {
	config DockerConfig
	env    *envTable
	logger *slog.Logger
}

// NewDockerProvider creates a Docker-based provider.
func NewDockerProvider(cfg DockerConfig, logger *slog.Logger) *DockerProvider {
	if cfg.Image == "" {
		cfg.Image = defaultDockerImage
	}
	if cfg.HomeDir == "" {
		cfg.HomeDir = DefaultHomeDir
	}
	cfg.DefaultTimeout = resolveTimeout(cfg.DefaultTimeout, defaultTimeout)
	if cfg.MemoryMB == 0 {
		cfg.MemoryMB = defaultMemoryMB
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = defaultDockerCPUCores
	}
	if cfg.PIDsLimit <= 0 {
		cfg.PIDsLimit = defaultDockerPIDsLimit
	}
	return &DockerProvider{
		config: cfg,
		env:    newEnvTable(),
		logger: logger,
	}
}

// CreateIsolated starts a detached container that idles until destroyed.
// On failure the returned handle (if any) names the container that may
// have been partially created.
func (p *DockerProvider) CreateIsolated(ctx context.Context) (*Handle, error) {
	name, err := newSandboxName("sandbooks-sbx")
	if err != nil {
		return nil, fmt.Errorf("generating container name: %w", err)
	}
	h := &Handle{
		ID:        name,
		Backend:   "docker",
		HomeDir:   p.config.HomeDir,
		CreatedAt: time.Now().UTC(),
	}

	args := p.buildRunArgs(name)
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return h, fmt.Errorf("docker run: %w: %s", err, bytes.TrimSpace(out))
	}
	p.env.add(name)

	p.logger.Info("docker sandbox created",
		slog.String("sandbox_id", name),
		slog.String("image", p.config.Image),
	)
	return h, nil
}

// Run executes a shell command in the container via docker exec.
func (p *DockerProvider) Run(ctx context.Context, h *Handle, command string, opts RunOptions) (*Result, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}
	env, ok := p.env.snapshot(h.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSandbox, h.ID)
	}

	timeout := resolveTimeout(opts.Timeout, p.config.DefaultTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dir := opts.WorkingDir
	if dir == "" {
		dir = h.HomeDir
	}
	args := buildExecArgs(h.ID, dir, env, command)

	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.WaitDelay = time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	p.logger.Debug("docker sandbox executing",
		slog.String("sandbox_id", h.ID),
		slog.String("dir", dir),
		slog.Duration("timeout", timeout),
	)

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			p.logger.Warn("docker sandbox timed out",
				slog.String("sandbox_id", h.ID),
				slog.Duration("timeout", timeout),
				slog.Duration("duration", duration),
			)
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("docker exec failed: %w", runErr)
		}
		if bytes.Contains(stderrBuf.Bytes(), []byte("No such container")) {
			return nil, fmt.Errorf("%w: container %s is gone", ErrUnknownSandbox, h.ID)
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

// UpdateEnv merges env into the container's persistent environment.
// Variables are injected on every docker exec.
func (p *DockerProvider) UpdateEnv(_ context.Context, h *Handle, env map[string]string) error {
	return p.env.merge(h.ID, env)
}

// Destroy force-removes the container. "No such container" is not an error.
func (p *DockerProvider) Destroy(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	p.env.remove(h.ID)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "docker", "rm", "-f", h.ID).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		return fmt.Errorf("docker rm -f %s: %w: %s", h.ID, err, bytes.TrimSpace(out))
	}
	p.logger.Info("docker sandbox destroyed", slog.String("sandbox_id", h.ID))
	return nil
}

// Ping checks that the docker daemon is reachable.
func (p *DockerProvider) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(ctx, "docker", "version", "--format", "{{.Server.Version}}").CombinedOutput(); err != nil {
		return fmt.Errorf("docker unavailable: %w: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

// buildRunArgs constructs the docker run argument list with all security
// hardening flags.
func (p *DockerProvider) buildRunArgs(name string) []string {
	memoryFlag := strconv.Itoa(p.config.MemoryMB) + "m"
	cpuFlag := strconv.FormatFloat(p.config.CPUCores, 'f', 2, 64)
	pidsFlag := strconv.Itoa(p.config.PIDsLimit)

	args := []string{
		"run", "-d",
		"--name", name,
		"--label", "sandbooks.sandbox=true",

		// --- Security hardening ---
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--user=65534:65534",

		// --- Resource limits ---
		"--memory=" + memoryFlag,
		"--memory-swap=" + memoryFlag, // Same as memory = disable swap (OOM kill).
		"--cpus=" + cpuFlag,
		"--pids-limit=" + pidsFlag,

		"--tmpfs", "/tmp:rw,nosuid,size=64m",
		"--tmpfs", p.config.HomeDir + ":rw,nosuid,size=256m,uid=65534,gid=65534",

		"--env", "HOME=" + p.config.HomeDir,
		"--env", "PATH=/usr/local/bin:/usr/bin:/bin",
		"--env", "LANG=C.UTF-8",
		"--env", "TERM=dumb",
		"--workdir", p.config.HomeDir,
	}
	if p.config.NetworkAllowed {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}
	return append(args, p.config.Image, "sleep", "infinity")
}

// buildExecArgs constructs the docker exec argument list for one command.
func buildExecArgs(container, dir string, env map[string]string, command string) []string {
	args := []string{"exec", "--workdir", dir}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--env", k+"="+env[k])
	}
	return append(args, container, "/bin/sh", "-c", command)
}
