// Package ws implements the WebSocket subscriber transport. A client
// connects to one session, receives the same events an SSE subscriber does
// as JSON text frames, and may submit commands over the same connection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/ahutanu/sandbooks.space-sub000/internal/config"
	"github.com/ahutanu/sandbooks.space-sub000/internal/ratelimit"
	"github.com/ahutanu/sandbooks.space-sub000/internal/terminal"
)

// Client frame types.
const (
	FrameCommand         = "command"
	FrameCommandAck      = "command_ack"
	FrameCommandRejected = "command_rejected"
)

// Close codes in the private 4000-4999 range mirror HTTP statuses.
const (
	closeSessionNotFound  websocket.StatusCode = 4404
	closeSessionDestroyed websocket.StatusCode = 4410
)

// Sessions is the part of the session manager the transport uses.
type Sessions interface {
	GetSession(id string) (*terminal.Session, error)
	Subscribe(id string, sink terminal.Sink) (*terminal.Subscriber, error)
	SubmitCommand(ctx context.Context, id string, req terminal.CommandRequest) (string, error)
}

// Authenticator resolves the caller of a request. ok=false rejects it.
type Authenticator func(r *http.Request) (userID string, ok bool)

// ClientFrame is a message sent by the client.
type ClientFrame struct {
	Type      string `json:"type"`
	Command   string `json:"command,omitempty"`
	Language  string `json:"language,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
	// RequestID is echoed back so clients can match replies.
	RequestID string `json:"requestId,omitempty"`
}

// ReplyFrame answers a ClientFrame.
type ReplyFrame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	CommandID string `json:"commandId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Server upgrades requests to WebSocket subscribers.
type Server struct {
	sessions Sessions
	cfg      *config.WebSocketGatewayConfig
	auth     Authenticator
	limiter  *ratelimit.Limiter
	logger   *slog.Logger
}

// NewServer creates a WebSocket server for the given sessions.
func NewServer(sessions Sessions, cfg *config.WebSocketGatewayConfig, logger *slog.Logger) *Server {
	return &Server{
		sessions: sessions,
		cfg:      cfg,
		logger:   logger,
	}
}

// WithAuth sets the authenticator. Without one every request is accepted.
func (s *Server) WithAuth(auth Authenticator) *Server {
	s.auth = auth
	return s
}

// WithRateLimit limits command frames per user.
func (s *Server) WithRateLimit(l *ratelimit.Limiter) *Server {
	s.limiter = l
	return s
}

// Handler returns an http.Handler for /v1/sessions/{id}/ws.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := "anonymous"
	if s.auth != nil {
		var ok bool
		if userID, ok = s.auth(r); !ok {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	sessionID := sessionIDFromRequest(r)
	if _, err := s.sessions.GetSession(sessionID); err != nil {
		http.Error(w, err.Error(), terminal.HTTPStatus(err))
		return
	}

	var origins []string
	if s.cfg != nil {
		origins = s.cfg.AllowedOrigins
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: origins,
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(s.cfg.ReadLimit())

	sink := newSink(conn)
	sub, err := s.sessions.Subscribe(sessionID, sink)
	if err != nil {
		// Destroyed between the lookup and the upgrade.
		code := closeSessionNotFound
		if errors.Is(err, terminal.ErrSessionDestroyed) {
			code = closeSessionDestroyed
		}
		conn.Close(code, err.Error())
		return
	}

	s.logger.Info("websocket subscriber connected",
		slog.String("session_id", sessionID),
		slog.String("client_id", sub.ClientID),
		slog.String("user_id", userID),
	)

	s.readLoop(r.Context(), conn, sessionID, userID)
	_ = sink.Close()
}

// readLoop handles client frames until the connection ends.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sessionID, userID string) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				s.logger.Debug("websocket subscriber disconnected", slog.String("session_id", sessionID))
			default:
				s.logger.Debug("websocket read ended",
					slog.String("session_id", sessionID),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.reply(ctx, conn, ReplyFrame{Type: FrameCommandRejected, Error: "invalid frame"})
			continue
		}
		s.reply(ctx, conn, s.handleFrame(ctx, sessionID, userID, frame))
	}
}

func (s *Server) handleFrame(ctx context.Context, sessionID, userID string, frame ClientFrame) ReplyFrame {
	if frame.Type != FrameCommand {
		return ReplyFrame{
			Type:      FrameCommandRejected,
			RequestID: frame.RequestID,
			Error:     fmt.Sprintf("unsupported frame type %q", frame.Type),
		}
	}
	if err := s.limiter.Allow(userID); err != nil {
		return ReplyFrame{Type: FrameCommandRejected, RequestID: frame.RequestID, Error: err.Error()}
	}

	commandID, err := s.sessions.SubmitCommand(ctx, sessionID, terminal.CommandRequest{
		Command:   frame.Command,
		Language:  frame.Language,
		TimeoutMs: frame.TimeoutMs,
	})
	if err != nil {
		return ReplyFrame{Type: FrameCommandRejected, RequestID: frame.RequestID, Error: err.Error()}
	}
	return ReplyFrame{Type: FrameCommandAck, RequestID: frame.RequestID, CommandID: commandID}
}

func (s *Server) reply(ctx context.Context, conn *websocket.Conn, frame ReplyFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("websocket reply failed", slog.String("error", err.Error()))
	}
}

// sink adapts a WebSocket connection to terminal.Sink. Conn.Write is safe
// for concurrent use, so events and replies share the connection.
type sink struct {
	conn *websocket.Conn
	done chan struct{}
	once sync.Once
}

func newSink(conn *websocket.Conn) *sink {
	return &sink{conn: conn, done: make(chan struct{})}
}

func (k *sink) Send(ctx context.Context, ev terminal.Event) error {
	select {
	case <-k.done:
		return terminal.ErrSinkClosed
	default:
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Type, err)
	}
	return k.conn.Write(ctx, websocket.MessageText, data)
}

func (k *sink) Done() <-chan struct{} { return k.done }

func (k *sink) Close() error {
	k.once.Do(func() {
		close(k.done)
		_ = k.conn.Close(websocket.StatusNormalClosure, "session stream closed")
	})
	return nil
}

// sessionIDFromRequest reads {id} from /v1/sessions/{id}/ws.
func sessionIDFromRequest(r *http.Request) string {
	if id := r.PathValue("id"); id != "" {
		return id
	}
	rest, ok := strings.CutPrefix(r.URL.Path, "/v1/sessions/")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}
