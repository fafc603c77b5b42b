// Package mcpserver exposes the terminal session manager as MCP tools, so
// agents can open a session, run commands in it and tear it down.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/ahutanu/sandbooks.space-sub000/internal/config"
	"github.com/ahutanu/sandbooks.space-sub000/internal/terminal"
)

const (
	serverName = "sandbooks-terminal"

	ToolCreateSession  = "terminal_create_session"
	ToolRun            = "terminal_run"
	ToolGetSession     = "terminal_get_session"
	ToolListSessions   = "terminal_list_sessions"
	ToolDestroySession = "terminal_destroy_session"
	ToolStats          = "terminal_stats"

	runSinkBuffer = 16
)

// Sessions is the manager surface the tools need.
type Sessions interface {
	CreateSession(ctx context.Context) (*terminal.Session, error)
	GetSession(id string) (*terminal.Session, error)
	ListSessions() []terminal.Session
	DestroySession(ctx context.Context, id string) error
	SubmitCommand(ctx context.Context, id string, req terminal.CommandRequest) (string, error)
	Subscribe(id string, sink terminal.Sink) (*terminal.Subscriber, error)
	Stats() terminal.Stats
}

// RunResult is the outcome of terminal_run.
type RunResult struct {
	SessionID  string `json:"sessionId"`
	CommandID  string `json:"commandId"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// Server wraps an MCP server bound to a session manager.
type Server struct {
	sessions Sessions
	mcp      *server.MCPServer
	runWait  time.Duration
	logger   *slog.Logger
}

// New registers the terminal tools on a fresh MCP server.
func New(sessions Sessions, cfg *config.MCPGatewayConfig, version string, logger *slog.Logger) *Server {
	s := &Server{
		sessions: sessions,
		mcp:      server.NewMCPServer(serverName, version, server.WithToolCapabilities(true)),
		runWait:  cfg.RunWait(),
		logger:   logger,
	}
	s.registerTools()
	return s
}

// MCPServer returns the underlying server, e.g. for stdio transport.
func (s *Server) MCPServer() *server.MCPServer { return s.mcp }

// Handler returns the streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

// ServeStdio serves the tools over stdin/stdout until the input closes.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool(ToolCreateSession,
		mcp.WithDescription("Create a terminal session backed by a fresh isolated sandbox. Returns the session ID used by the other terminal tools."),
	), s.handleCreateSession)

	s.mcp.AddTool(mcp.NewTool(ToolRun,
		mcp.WithDescription("Run a shell command in a session and wait for its output. Working directory and exported variables carry over between runs."),
		mcp.WithString("sessionId", mcp.Required(), mcp.Description("Session ID from terminal_create_session")),
		mcp.WithString("command", mcp.Required(), mcp.Description("Command line to run")),
		mcp.WithString("language", mcp.Description("Language label recorded with the command (default bash)")),
		mcp.WithNumber("timeoutMs", mcp.Description("Command timeout in milliseconds")),
	), s.handleRun)

	s.mcp.AddTool(mcp.NewTool(ToolGetSession,
		mcp.WithDescription("Get a session with its recent command history."),
		mcp.WithString("sessionId", mcp.Required(), mcp.Description("Session ID")),
	), s.handleGetSession)

	s.mcp.AddTool(mcp.NewTool(ToolListSessions,
		mcp.WithDescription("List live terminal sessions."),
	), s.handleListSessions)

	s.mcp.AddTool(mcp.NewTool(ToolDestroySession,
		mcp.WithDescription("Destroy a session and its sandbox."),
		mcp.WithString("sessionId", mcp.Required(), mcp.Description("Session ID")),
	), s.handleDestroySession)

	s.mcp.AddTool(mcp.NewTool(ToolStats,
		mcp.WithDescription("Session manager statistics."),
	), s.handleStats)
}

func (s *Server) handleCreateSession(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, err := s.sessions.CreateSession(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	s.logger.InfoContext(ctx, "mcp session created",
		slog.String("session_id", sess.ID),
		slog.String("sandbox_id", sess.SandboxID),
	)
	return jsonResult(sess)
}

func (s *Server) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("sessionId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	cmd := terminal.CommandRequest{
		Command:   command,
		Language:  req.GetString("language", ""),
		TimeoutMs: int(req.GetFloat("timeoutMs", 0)),
	}

	res, err := s.run(ctx, id, cmd)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, err := jsonResult(res)
	if err != nil {
		return nil, err
	}
	out.IsError = res.Error != ""
	return out, nil
}

// run subscribes before submitting so the command's events cannot be missed.
func (s *Server) run(ctx context.Context, id string, cmd terminal.CommandRequest) (*RunResult, error) {
	sink := terminal.NewChanSink(runSinkBuffer)
	defer func() { _ = sink.Close() }()
	if _, err := s.sessions.Subscribe(id, sink); err != nil {
		return nil, err
	}

	commandID, err := s.sessions.SubmitCommand(ctx, id, cmd)
	if err != nil {
		return nil, err
	}

	wait := time.NewTimer(s.runWait)
	defer wait.Stop()

	res := &RunResult{SessionID: id, CommandID: commandID}
	for {
		select {
		case ev, ok := <-sink.Events():
			if !ok {
				return nil, fmt.Errorf("%w: %s", terminal.ErrSessionDestroyed, id)
			}
			if done := collect(res, ev); done {
				return res, nil
			}
		case <-wait.C:
			return nil, fmt.Errorf("command %s still running after %s; follow it with %s", commandID, s.runWait, ToolGetSession)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// collect folds one event into res and reports whether the command finished.
func collect(res *RunResult, ev terminal.Event) bool {
	switch d := ev.Data.(type) {
	case terminal.OutputData:
		if d.CommandID == res.CommandID {
			res.Stdout, res.Stderr = d.Stdout, d.Stderr
			res.ExitCode, res.DurationMs = d.ExitCode, d.DurationMs
		}
	case terminal.CompleteData:
		if d.CommandID == res.CommandID {
			res.ExitCode, res.DurationMs = d.ExitCode, d.DurationMs
			return true
		}
	case terminal.ErrorData:
		if d.CommandID == res.CommandID {
			res.Error = d.Error
			return true
		}
	case terminal.SessionDestroyedData:
		res.Error = "session destroyed: " + d.Reason
		return true
	}
	return false
}

func (s *Server) handleGetSession(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("sessionId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	sess, err := s.sessions.GetSession(id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(sess)
}

func (s *Server) handleListSessions(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.sessions.ListSessions())
}

func (s *Server) handleDestroySession(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("sessionId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.sessions.DestroySession(ctx, id); err != nil {
		if errors.Is(err, terminal.ErrSessionNotFound) {
			return mcp.NewToolResultError("session not found: " + id), nil
		}
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("session " + id + " destroyed"), nil
}

func (s *Server) handleStats(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.sessions.Stats())
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding tool result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
