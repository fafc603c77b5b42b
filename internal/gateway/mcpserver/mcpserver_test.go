package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ahutanu/sandbooks.space-sub000/internal/config"
	"github.com/ahutanu/sandbooks.space-sub000/internal/sandbox"
	"github.com/ahutanu/sandbooks.space-sub000/internal/terminal"
)

// echoProvider answers "echo X" with X. "crash" fails the run itself.
type echoProvider struct {
	mu sync.Mutex
	n  int
}

func (p *echoProvider) CreateIsolated(context.Context) (*sandbox.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	return &sandbox.Handle{ID: "sbx-" + string(rune('0'+p.n)), Backend: "test", HomeDir: "/home/sandbox"}, nil
}

func (p *echoProvider) Run(_ context.Context, _ *sandbox.Handle, command string, _ sandbox.RunOptions) (*sandbox.Result, error) {
	if rest, ok := strings.CutPrefix(command, "echo "); ok {
		return &sandbox.Result{Stdout: rest + "\n"}, nil
	}
	if command == "crash" {
		return nil, errors.New("sandbox unreachable")
	}
	return &sandbox.Result{ExitCode: 127, Stderr: "command not found\n"}, nil
}

func (p *echoProvider) UpdateEnv(context.Context, *sandbox.Handle, map[string]string) error {
	return nil
}

func (p *echoProvider) Destroy(context.Context, *sandbox.Handle) error { return nil }

func newTestServer(t *testing.T, runWait int) (*Server, *terminal.Manager) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := terminal.NewManager(terminal.Config{}, &echoProvider{}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})
	return New(mgr, &config.MCPGatewayConfig{Enabled: true, RunWaitSeconds: runWait}, "test", logger), mgr
}

func call(args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("content items = %d, want 1", len(res.Content))
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is %T, want text", res.Content[0])
	}
	return tc.Text
}

func createSession(t *testing.T, s *Server) string {
	t.Helper()
	res, err := s.handleCreateSession(context.Background(), call(nil))
	if err != nil || res.IsError {
		t.Fatalf("create session: err=%v result=%+v", err, res)
	}
	var sess terminal.Session
	if err := json.Unmarshal([]byte(resultText(t, res)), &sess); err != nil {
		t.Fatalf("decoding session: %v", err)
	}
	if sess.ID == "" || sess.SandboxID == "" {
		t.Fatalf("session = %+v, want ids", sess)
	}
	return sess.ID
}

func TestRun_ReturnsOutput(t *testing.T) {
	s, _ := newTestServer(t, 0)
	id := createSession(t, s)

	res, err := s.handleRun(context.Background(), call(map[string]any{
		"sessionId": id,
		"command":   "echo hello",
	}))
	if err != nil {
		t.Fatalf("handleRun: %v", err)
	}
	if res.IsError {
		t.Fatalf("result is error: %s", resultText(t, res))
	}
	var out RunResult
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("decoding run result: %v", err)
	}
	if out.Stdout != "hello\n" || out.ExitCode != 0 || out.CommandID == "" {
		t.Errorf("run result = %+v, want stdout %q exit 0", out, "hello\n")
	}
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	s, _ := newTestServer(t, 0)
	id := createSession(t, s)

	res, err := s.handleRun(context.Background(), call(map[string]any{"sessionId": id, "command": "nope"}))
	if err != nil {
		t.Fatalf("handleRun: %v", err)
	}
	var out RunResult
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("decoding run result: %v", err)
	}
	if res.IsError || out.ExitCode != 127 {
		t.Errorf("IsError = %v exit = %d, want false 127", res.IsError, out.ExitCode)
	}
}

func TestRun_Errors(t *testing.T) {
	s, _ := newTestServer(t, 0)
	id := createSession(t, s)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing session", map[string]any{"command": "echo x"}, "sessionId"},
		{"missing command", map[string]any{"sessionId": id}, "command"},
		{"unknown session", map[string]any{"sessionId": "nope", "command": "echo x"}, "not found"},
		{"empty command", map[string]any{"sessionId": id, "command": "   "}, "invalid command"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.handleRun(context.Background(), call(tt.args))
			if err != nil {
				t.Fatalf("handleRun: %v", err)
			}
			if !res.IsError {
				t.Fatalf("IsError = false, want true")
			}
			if text := resultText(t, res); !strings.Contains(text, tt.want) {
				t.Errorf("error = %q, want it to mention %q", text, tt.want)
			}
		})
	}
}

func TestRun_CommandFailureIsReported(t *testing.T) {
	s, _ := newTestServer(t, 0)
	id := createSession(t, s)

	res, err := s.handleRun(context.Background(), call(map[string]any{
		"sessionId": id,
		"command":   "crash",
		"timeoutMs": float64(1000),
	}))
	if err != nil {
		t.Fatalf("handleRun: %v", err)
	}
	if !res.IsError {
		t.Fatalf("IsError = false, want true for a failed run")
	}
	var out RunResult
	if err := json.Unmarshal([]byte(resultText(t, res)), &out); err != nil {
		t.Fatalf("decoding run result: %v", err)
	}
	if !strings.Contains(out.Error, "sandbox unreachable") {
		t.Errorf("run error = %q, want sandbox failure", out.Error)
	}
}

func TestDestroyAndGet(t *testing.T) {
	s, _ := newTestServer(t, 0)
	id := createSession(t, s)

	res, err := s.handleGetSession(context.Background(), call(map[string]any{"sessionId": id}))
	if err != nil || res.IsError {
		t.Fatalf("get session: err=%v result=%+v", err, res)
	}

	res, err = s.handleDestroySession(context.Background(), call(map[string]any{"sessionId": id}))
	if err != nil || res.IsError {
		t.Fatalf("destroy session: err=%v result=%+v", err, res)
	}

	res, err = s.handleDestroySession(context.Background(), call(map[string]any{"sessionId": id}))
	if err != nil {
		t.Fatalf("destroy session: %v", err)
	}
	if !res.IsError {
		t.Errorf("second destroy IsError = false, want true")
	}

	res, err = s.handleStats(context.Background(), call(nil))
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var st terminal.Stats
	if err := json.Unmarshal([]byte(resultText(t, res)), &st); err != nil {
		t.Fatalf("decoding stats: %v", err)
	}
	if st.TotalSessions != 0 || st.DestroyedSessions != 1 {
		t.Errorf("stats = %+v, want 0 live 1 destroyed", st)
	}
}

func TestCollect(t *testing.T) {
	res := &RunResult{CommandID: "c1"}
	if collect(res, terminal.Event{Data: terminal.OutputData{CommandID: "other", Stdout: "x"}}) {
		t.Fatal("foreign output finished the run")
	}
	if res.Stdout != "" {
		t.Errorf("Stdout = %q, want foreign output ignored", res.Stdout)
	}
	if collect(res, terminal.Event{Data: terminal.OutputData{CommandID: "c1", Stdout: "ok", ExitCode: 2}}) {
		t.Fatal("output finished the run")
	}
	if !collect(res, terminal.Event{Data: terminal.CompleteData{CommandID: "c1", ExitCode: 2, DurationMs: 7}}) {
		t.Fatal("complete did not finish the run")
	}
	if res.Stdout != "ok" || res.ExitCode != 2 || res.DurationMs != 7 {
		t.Errorf("result = %+v", res)
	}
}

func TestInProcessClient_ListsTools(t *testing.T) {
	s, _ := newTestServer(t, 0)

	c, err := mcpclient.NewInProcessClient(s.MCPServer())
	if err != nil {
		t.Fatalf("NewInProcessClient: %v", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "test", Version: "0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	list, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	var names []string
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	sort.Strings(names)
	want := []string{ToolCreateSession, ToolDestroySession, ToolGetSession, ToolListSessions, ToolRun, ToolStats}
	sort.Strings(want)
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("tools = %v, want %v", names, want)
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = ToolCreateSession
	res, err := c.CallTool(ctx, callReq)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.IsError {
		t.Errorf("create via client IsError = true: %s", resultText(t, res))
	}
}
