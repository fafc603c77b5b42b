package sandbox

import (
	"context"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strings"
	"testing"
	"time"
)

// testImage is the Docker image used for integration tests.
const testImage = "alpine:3.20"

// skipIfNoDocker skips the test if Docker is unavailable.
func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if err := exec.Command("docker", "info").Run(); err != nil {
		t.Skip("docker not available, skipping integration test")
	}
}

// skipIfNoImage skips the test if the image isn't pulled.
func skipIfNoImage(t *testing.T) {
	t.Helper()
	out, err := exec.Command("docker", "images", "-q", testImage).Output()
	if err != nil || strings.TrimSpace(string(out)) == "" {
		t.Skipf("docker image %s not found, skipping (docker pull %s)", testImage, testImage)
	}
}

func newTestDockerProvider(t *testing.T) *DockerProvider {
	t.Helper()
	skipIfNoDocker(t)
	skipIfNoImage(t)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return NewDockerProvider(DockerConfig{
		Image:          testImage,
		DefaultTimeout: 30 * time.Second,
		MemoryMB:       64,
		CPUCores:       0.5,
		PIDsLimit:      32,
	}, logger)
}

func TestBuildRunArgs_Hardening(t *testing.T) {
	p := NewDockerProvider(DockerConfig{}, slog.Default())
	args := p.buildRunArgs("sandbooks-sbx-test")

	for _, want := range []string{"--cap-drop=ALL", "--security-opt=no-new-privileges", "--user=65534:65534", "--network=none"} {
		if !slices.Contains(args, want) {
			t.Errorf("run args missing %q", want)
		}
	}
	tail := args[len(args)-3:]
	if tail[0] != defaultDockerImage || tail[1] != "sleep" || tail[2] != "infinity" {
		t.Errorf("run args tail = %v, want [%s sleep infinity]", tail, defaultDockerImage)
	}
}

func TestBuildExecArgs(t *testing.T) {
	args := buildExecArgs("c1", "/tmp", map[string]string{"B": "2", "A": "1"}, "ls -la")
	want := []string{"exec", "--workdir", "/tmp", "--env", "A=1", "--env", "B=2", "c1", "/bin/sh", "-c", "ls -la"}
	if !slices.Equal(args, want) {
		t.Errorf("exec args = %v, want %v", args, want)
	}
}

func TestDockerProvider_Lifecycle(t *testing.T) {
	p := newTestDockerProvider(t)
	ctx := context.Background()

	h, err := p.CreateIsolated(ctx)
	if err != nil {
		t.Fatalf("CreateIsolated: %v", err)
	}
	defer func() { _ = p.Destroy(ctx, h) }()

	res, err := p.Run(ctx, h, "echo hello", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "hello" {
		t.Errorf("stdout = %q, want %q", got, "hello")
	}

	if err := p.UpdateEnv(ctx, h, map[string]string{"MY_VAR": "test_value"}); err != nil {
		t.Fatalf("UpdateEnv: %v", err)
	}
	res, err = p.Run(ctx, h, "echo $MY_VAR", RunOptions{WorkingDir: "/tmp"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "test_value" {
		t.Errorf("env MY_VAR = %q, want %q", got, "test_value")
	}
}

func TestDockerProvider_NonRoot(t *testing.T) {
	p := newTestDockerProvider(t)
	ctx := context.Background()

	h, err := p.CreateIsolated(ctx)
	if err != nil {
		t.Fatalf("CreateIsolated: %v", err)
	}
	defer func() { _ = p.Destroy(ctx, h) }()

	res, err := p.Run(ctx, h, "id -u", RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := strings.TrimSpace(res.Stdout); got != "65534" {
		t.Errorf("uid = %q, want %q (non-root)", got, "65534")
	}
}

func TestDockerProvider_DestroyRemovesContainer(t *testing.T) {
	p := newTestDockerProvider(t)
	ctx := context.Background()

	h, err := p.CreateIsolated(ctx)
	if err != nil {
		t.Fatalf("CreateIsolated: %v", err)
	}
	if err := p.Destroy(ctx, h); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	out, err := exec.Command("docker", "ps", "-a", "--filter", "name="+h.ID, "--format", "{{.Names}}").Output()
	if err != nil {
		t.Fatalf("docker ps failed: %v", err)
	}
	if names := strings.TrimSpace(string(out)); names != "" {
		t.Errorf("found leftover containers: %s", names)
	}
}
