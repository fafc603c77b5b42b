package terminal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ahutanu/sandbooks.space-sub000/internal/sandbox"
)

type runCall struct {
	SandboxID string
	Command   string
	Opts      sandbox.RunOptions
}

// fakeProvider is an in-memory sandbox.Provider.
type fakeProvider struct {
	mu        sync.Mutex
	next      int
	createErr error
	partial   bool
	destroyFn func(h *sandbox.Handle) error
	runFn     func(command string, opts sandbox.RunOptions) (*sandbox.Result, error)
	updateErr error

	live      map[string]bool
	destroyed []string
	env       map[string]map[string]string
	updates   int
	runs      []runCall
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		live: make(map[string]bool),
		env:  make(map[string]map[string]string),
	}
}

func (p *fakeProvider) CreateIsolated(context.Context) (*sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	h := &sandbox.Handle{ID: fmt.Sprintf("sbx-%d", p.next), Backend: "fake"}
	if p.createErr != nil {
		if p.partial {
			return h, p.createErr
		}
		return nil, p.createErr
	}
	p.live[h.ID] = true
	p.env[h.ID] = make(map[string]string)
	return h, nil
}

func (p *fakeProvider) Run(_ context.Context, h *sandbox.Handle, command string, opts sandbox.RunOptions) (*sandbox.Result, error) {
	p.mu.Lock()
	p.runs = append(p.runs, runCall{SandboxID: h.ID, Command: command, Opts: opts})
	fn := p.runFn
	p.mu.Unlock()
	if fn != nil {
		return fn(command, opts)
	}
	return defaultRun(command, opts)
}

// defaultRun understands echo and cd well enough for pipeline tests.
func defaultRun(command string, _ sandbox.RunOptions) (*sandbox.Result, error) {
	if rest, ok := strings.CutSuffix(command, " && pwd"); ok {
		dir := strings.TrimSpace(strings.TrimPrefix(rest, "cd"))
		if strings.HasPrefix(dir, "/does/not") {
			return &sandbox.Result{Stderr: "cd: no such file or directory", ExitCode: 1}, nil
		}
		return &sandbox.Result{Stdout: dir + "\n"}, nil
	}
	if strings.HasPrefix(command, "cd /does/not") {
		return &sandbox.Result{Stderr: "cd: no such file or directory", ExitCode: 1}, nil
	}
	if msg, ok := strings.CutPrefix(command, "echo "); ok {
		return &sandbox.Result{Stdout: msg + "\n"}, nil
	}
	return &sandbox.Result{}, nil
}

func (p *fakeProvider) UpdateEnv(_ context.Context, h *sandbox.Handle, env map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.updateErr != nil {
		return p.updateErr
	}
	p.updates++
	for k, v := range env {
		p.env[h.ID][k] = v
	}
	return nil
}

func (p *fakeProvider) Destroy(_ context.Context, h *sandbox.Handle) error {
	p.mu.Lock()
	fn := p.destroyFn
	p.destroyed = append(p.destroyed, h.ID)
	delete(p.live, h.ID)
	p.mu.Unlock()
	if fn != nil {
		return fn(h)
	}
	return nil
}

func (p *fakeProvider) calls() []runCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]runCall(nil), p.runs...)
}

func (p *fakeProvider) envOf(id string) map[string]string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]string)
	for k, v := range p.env[id] {
		out[k] = v
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *fakeProvider) {
	t.Helper()
	p := newFakeProvider()
	m := NewManager(cfg, p, testLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	})
	return m, p
}

func mustCreate(t *testing.T, m *Manager) *Session {
	t.Helper()
	s, err := m.CreateSession(context.Background())
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return s
}

func mustSubscribe(t *testing.T, m *Manager, id string) *ChanSink {
	t.Helper()
	sink := NewChanSink(64)
	if _, err := m.Subscribe(id, sink); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return sink
}

// nextEvent waits for the next event of type want, skipping heartbeats.
func nextEvent(t *testing.T, sink *ChanSink, want EventType) Event {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-sink.Events():
			if !ok {
				t.Fatalf("sink closed while waiting for %s", want)
			}
			if ev.Type == EventHeartbeat && want != EventHeartbeat {
				continue
			}
			if ev.Type != want {
				t.Fatalf("event = %s, want %s", ev.Type, want)
			}
			return ev
		case <-timeout:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
