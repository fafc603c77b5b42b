package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ahutanu/sandbooks.space-sub000/internal/terminal"
	goutils "github.com/jkaninda/go-utils"
)

var (
	execServer  string
	execToken   string
	execSession string
	execKeep    bool
	execTimeout int
)

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- COMMAND [COMMAND...]",
	Short: "Run commands in a session on a running server",
	Long: `Run one or more commands in a terminal session and print their output.
Commands run in order in the same session, so cd and export carry over.
A new session is created unless --session is given, and destroyed at the
end unless --keep is set.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

func init() {
	execCmd.Flags().StringVar(&execServer, "server", goutils.Env("SANDBOOKS_SERVER", "http://localhost:8080"), "server base URL")
	execCmd.Flags().StringVar(&execToken, "token", goutils.Env("SANDBOOKS_TOKEN", ""), "API key")
	execCmd.Flags().StringVar(&execSession, "session", "", "existing session ID")
	execCmd.Flags().BoolVar(&execKeep, "keep", false, "keep the session after the last command")
	execCmd.Flags().IntVar(&execTimeout, "timeout-ms", 0, "per-command timeout in milliseconds")
}

// exitError carries a command's non-zero exit code to the process.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func runExec(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &apiClient{base: strings.TrimRight(execServer, "/"), token: execToken, http: http.DefaultClient}

	id := execSession
	if id == "" {
		created, err := c.createSession(ctx)
		if err != nil {
			return err
		}
		id = created
		if !execKeep {
			defer func() {
				if err := c.destroySession(context.Background(), id); err != nil {
					fmt.Fprintf(os.Stderr, "destroying session %s: %v\n", id, err)
				}
			}()
		} else {
			fmt.Fprintf(os.Stderr, "session: %s\n", id)
		}
	}

	stream, err := c.openStream(ctx, id)
	if err != nil {
		return err
	}
	defer stream.Close()

	for _, line := range args {
		code, err := c.run(ctx, stream, id, terminal.CommandRequest{Command: line, TimeoutMs: execTimeout},
			cmd.OutOrStdout(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		if code != 0 {
			return &exitError{code: code}
		}
	}
	return nil
}

// apiClient is a minimal client for the session API.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return responseError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func responseError(resp *http.Response) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &body) == nil {
		if body.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, body.Error)
		}
		if body.Message != "" {
			return fmt.Errorf("%s: %s", resp.Status, body.Message)
		}
	}
	return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(data)))
}

func (c *apiClient) createSession(ctx context.Context) (string, error) {
	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", nil, &out); err != nil {
		return "", fmt.Errorf("creating session: %w", err)
	}
	return out.SessionID, nil
}

func (c *apiClient) destroySession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/sessions/"+id, nil, nil)
}

func (c *apiClient) submit(ctx context.Context, id string, req terminal.CommandRequest) (string, error) {
	var out struct {
		CommandID string `json:"commandId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/sessions/"+id+"/commands", req, &out); err != nil {
		return "", fmt.Errorf("submitting command: %w", err)
	}
	return out.CommandID, nil
}

// eventStream reads server-sent events from an open stream response.
type eventStream struct {
	body io.ReadCloser
	r    *bufio.Reader
}

func (s *eventStream) Close() error { return s.body.Close() }

// next returns the next event, skipping comments and unnamed frames.
func (s *eventStream) next() (string, json.RawMessage, error) {
	var name string
	var data []byte
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && name == "" {
				return "", nil, io.EOF
			}
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if name != "" {
				return name, data, nil
			}
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:"))...)
		}
	}
}

// openStream subscribes to the session and consumes the connected event.
func (c *apiClient) openStream(ctx context.Context, id string) (*eventStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/v1/sessions/"+id+"/stream", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, fmt.Errorf("opening stream: %w", responseError(resp))
	}

	s := &eventStream{body: resp.Body, r: bufio.NewReader(resp.Body)}
	name, _, err := s.next()
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("reading stream: %w", err)
	}
	if name != string(terminal.EventConnected) {
		s.Close()
		return nil, fmt.Errorf("unexpected first event %q", name)
	}
	return s, nil
}

// run submits one command and copies its output. It returns the exit code.
func (c *apiClient) run(ctx context.Context, s *eventStream, id string, req terminal.CommandRequest, stdout, stderr io.Writer) (int, error) {
	commandID, err := c.submit(ctx, id, req)
	if err != nil {
		return 0, err
	}

	for {
		name, raw, err := s.next()
		if err != nil {
			return 0, fmt.Errorf("reading stream: %w", err)
		}
		switch terminal.EventType(name) {
		case terminal.EventOutput:
			var ev struct {
				Data terminal.OutputData `json:"data"`
			}
			if err := json.Unmarshal(raw, &ev); err != nil {
				return 0, err
			}
			if ev.Data.CommandID == commandID {
				_, _ = io.WriteString(stdout, ev.Data.Stdout)
				_, _ = io.WriteString(stderr, ev.Data.Stderr)
			}
		case terminal.EventComplete:
			var ev struct {
				Data terminal.CompleteData `json:"data"`
			}
			if err := json.Unmarshal(raw, &ev); err != nil {
				return 0, err
			}
			if ev.Data.CommandID == commandID {
				return ev.Data.ExitCode, nil
			}
		case terminal.EventError:
			var ev struct {
				Data terminal.ErrorData `json:"data"`
			}
			if err := json.Unmarshal(raw, &ev); err != nil {
				return 0, err
			}
			if ev.Data.CommandID == commandID {
				return 0, fmt.Errorf("command failed: %s", ev.Data.Error)
			}
		case terminal.EventSessionDestroyed:
			return 0, fmt.Errorf("session %s was destroyed", id)
		}
	}
}
