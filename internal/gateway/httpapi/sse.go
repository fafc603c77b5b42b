package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ahutanu/sandbooks.space-sub000/internal/terminal"
)

// sseSink writes session events to an open event-stream response.
type sseSink struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	rc     *http.ResponseController
	done   chan struct{}
	closed bool
}

func newSSESink(w http.ResponseWriter) *sseSink {
	return &sseSink{
		w:    w,
		rc:   http.NewResponseController(w),
		done: make(chan struct{}),
	}
}

func (s *sseSink) Send(_ context.Context, ev terminal.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", ev.Type, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return terminal.ErrSinkClosed
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		s.closeLocked()
		return err
	}
	if err := s.rc.Flush(); err != nil {
		s.closeLocked()
		return err
	}
	return nil
}

func (s *sseSink) Done() <-chan struct{} { return s.done }

func (s *sseSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

func (s *sseSink) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

// handleStream serves GET /v1/sessions/{id}/stream. The connected event is
// the first frame; the stream stays open until the client leaves or the
// session is destroyed.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	id := sessionIDFromRequest(r)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	sink := newSSESink(w)
	// Streams outlive the server write timeout.
	_ = sink.rc.SetWriteDeadline(time.Time{})

	sub, err := g.sessions.Subscribe(id, sink)
	if err != nil {
		writeJSON(w, terminal.HTTPStatus(err), ErrorBody{Error: err.Error()})
		return
	}
	g.logger.Debug("event stream opened",
		slog.String("session_id", id),
		slog.String("client_id", sub.ClientID),
	)

	select {
	case <-r.Context().Done():
	case <-sink.Done():
	}
	_ = sink.Close()
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Cache-Control")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// sessionIDFromRequest reads {id} from /v1/sessions/{id}/... whether or not
// the router populated path values.
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
