package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ahutanu/sandbooks.space-sub000/internal/storage"
	"github.com/ahutanu/sandbooks.space-sub000/internal/terminal"
	"github.com/jkaninda/okapi"
)

const (
	defaultJournalLimit = 100
	maxJournalLimit     = 1000
)

// CreateSessionResponse is returned by POST /v1/sessions.
type CreateSessionResponse struct {
	SessionID   string          `json:"sessionId"`
	SandboxID   string          `json:"sandboxId"`
	Status      terminal.Status `json:"status"`
	CreatedAt   time.Time       `json:"createdAt"`
	ExpiresInMs int64           `json:"expiresInMs"`
}

// SessionResponse is a session snapshot with derived timings.
type SessionResponse struct {
	terminal.Session
	UptimeMs    int64 `json:"uptimeMs"`
	ExpiresInMs int64 `json:"expiresInMs"`
}

type DestroySessionResponse struct {
	SessionID string `json:"sessionId"`
	Status    string `json:"status"`
}

// SubmitCommandResponse acknowledges an accepted command. Its outcome
// arrives on the session's event stream.
type SubmitCommandResponse struct {
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
}

// JournalResponse is the persisted history of a session.
type JournalResponse struct {
	Session  *storage.SessionRecord  `json:"session"`
	Commands []storage.CommandRecord `json:"commands"`
}

// expiresIn is the time left before an untouched session is swept.
func expiresIn(lastActivity, now time.Time, timeout time.Duration) int64 {
	left := timeout - now.Sub(lastActivity)
	if left < 0 {
		return 0
	}
	return left.Milliseconds()
}

func (g *Gateway) sessionResponse(s terminal.Session, now time.Time) SessionResponse {
	return SessionResponse{
		Session:     s,
		UptimeMs:    now.Sub(s.CreatedAt).Milliseconds(),
		ExpiresInMs: expiresIn(s.LastActivityAt, now, g.sessions.Config().InactivityTimeout),
	}
}

// abort writes err with the status code the manager error maps to.
func abort(c *okapi.Context, err error) error {
	return c.JSON(terminal.HTTPStatus(err), ErrorBody{Error: err.Error()})
}

func (g *Gateway) handleCreateSession(c *okapi.Context) error {
	sess, err := g.sessions.CreateSession(c.Context())
	if err != nil {
		g.logger.Warn("session create failed",
			slog.String("user_id", c.GetString("userID")),
			slog.String("error", err.Error()),
		)
		return abort(c, err)
	}
	g.logger.Info("session created",
		slog.String("session_id", sess.ID),
		slog.String("sandbox_id", sess.SandboxID),
		slog.String("user_id", c.GetString("userID")),
	)
	return c.JSON(http.StatusCreated, CreateSessionResponse{
		SessionID:   sess.ID,
		SandboxID:   sess.SandboxID,
		Status:      sess.Status,
		CreatedAt:   sess.CreatedAt,
		ExpiresInMs: expiresIn(sess.LastActivityAt, g.now(), g.sessions.Config().InactivityTimeout),
	})
}

func (g *Gateway) handleListSessions(c *okapi.Context) error {
	now := g.now()
	sessions := g.sessions.ListSessions()
	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, g.sessionResponse(s, now))
	}
	return c.OK(out)
}

func (g *Gateway) handleGetSession(c *okapi.Context) error {
	sess, err := g.sessions.GetSession(c.Param("id"))
	if err != nil {
		return abort(c, err)
	}
	return c.OK(g.sessionResponse(*sess, g.now()))
}

func (g *Gateway) handleDestroySession(c *okapi.Context) error {
	id := c.Param("id")
	if err := g.sessions.DestroySession(c.Context(), id); err != nil {
		return abort(c, err)
	}
	return c.OK(DestroySessionResponse{SessionID: id, Status: string(terminal.StatusDestroyed)})
}

func (g *Gateway) handleSubmitCommand(c *okapi.Context) error {
	userID := c.GetString("userID")
	if g.limiter != nil {
		if err := g.limiter.Allow(userID); err != nil {
			return c.AbortTooManyRequests("rate limit exceeded")
		}
	}

	var req terminal.CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("Bad request", err)
	}

	commandID, err := g.sessions.SubmitCommand(c.Context(), c.Param("id"), req)
	if err != nil {
		return abort(c, err)
	}
	return c.JSON(http.StatusAccepted, SubmitCommandResponse{CommandID: commandID, Status: "started"})
}

func (g *Gateway) handleStats(c *okapi.Context) error {
	return c.OK(g.sessions.Stats())
}

func (g *Gateway) handleCleanup(c *okapi.Context) error {
	res := g.sessions.CleanupInactiveSessions(c.Context())
	if res.Errors == nil {
		res.Errors = []terminal.CleanupError{}
	}
	return c.OK(res)
}

func (g *Gateway) handleJournal(c *okapi.Context) error {
	limit, err := journalLimit(c.Request().URL.Query().Get("limit"))
	if err != nil {
		return c.AbortBadRequest("invalid limit", err)
	}
	id := c.Param("id")
	rec, err := g.journal.GetSession(c.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "session not found in journal"})
		}
		return c.AbortInternalServerError("journal read failed", err)
	}
	cmds, err := g.journal.ListCommands(c.Context(), id, limit)
	if err != nil {
		return c.AbortInternalServerError("journal read failed", err)
	}
	return c.OK(JournalResponse{Session: rec, Commands: cmds})
}

func journalLimit(raw string) (int, error) {
	if raw == "" {
		return defaultJournalLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("limit must be positive")
	}
	return min(n, maxJournalLimit), nil
}
