package terminal

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultSubscriberBuffer = 256
	sendTimeout             = 10 * time.Second
)

var errSubscriberLagging = errors.New("subscriber queue full")

// subscriber pairs a Sink with the queue its writer goroutine drains.
// Enqueueing never blocks, so a slow transport cannot stall the session.
type subscriber struct {
	clientID    string
	sessionID   string
	connectedAt time.Time
	sink        Sink

	mu            sync.Mutex
	queue         chan Event
	closed        bool
	lastHeartbeat time.Time
}

func newSubscriber(sessionID, clientID string, sink Sink, buffer int, now time.Time) *subscriber {
	return &subscriber{
		clientID:      clientID,
		sessionID:     sessionID,
		connectedAt:   now,
		sink:          sink,
		queue:         make(chan Event, buffer),
		lastHeartbeat: now,
	}
}

func (s *subscriber) enqueue(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- ev:
		return nil
	default:
		return errSubscriberLagging
	}
}

// close stops accepting events. The writer flushes what is queued, then
// closes the sink.
func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
}

func (s *subscriber) snapshot() Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Subscriber{
		ClientID:        s.clientID,
		SessionID:       s.sessionID,
		ConnectedAt:     s.connectedAt,
		LastHeartbeatAt: s.lastHeartbeat,
	}
}

// run delivers queued events to the sink until the queue is closed or a
// send fails.
func (s *subscriber) run(logger *slog.Logger) {
	defer func() { _ = s.sink.Close() }()
	for ev := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := s.sink.Send(ctx, ev)
		cancel()
		if err != nil {
			logger.Debug("subscriber delivery failed",
				slog.String("session_id", s.sessionID),
				slog.String("client_id", s.clientID),
				slog.String("event", string(ev.Type)),
				slog.String("error", err.Error()),
			)
			s.close()
			return
		}
		if ev.Type == EventHeartbeat {
			s.mu.Lock()
			s.lastHeartbeat = ev.Timestamp
			s.mu.Unlock()
		}
	}
}

// hub owns the subscriber sets of every session.
type hub struct {
	mu       sync.RWMutex
	sessions map[string]map[string]*subscriber
	logger   *slog.Logger
	metrics  *Metrics
}

func newHub(logger *slog.Logger, metrics *Metrics) *hub {
	return &hub{
		sessions: make(map[string]map[string]*subscriber),
		logger:   logger,
		metrics:  metrics,
	}
}

func (h *hub) add(sub *subscriber) {
	h.mu.Lock()
	set, ok := h.sessions[sub.sessionID]
	if !ok {
		set = make(map[string]*subscriber)
		h.sessions[sub.sessionID] = set
	}
	set[sub.clientID] = sub
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Subscribers.Inc()
	}
}

// remove unregisters a subscriber and returns it, or nil if it was not registered.
func (h *hub) remove(sessionID, clientID string) *subscriber {
	h.mu.Lock()
	set := h.sessions[sessionID]
	sub, ok := set[clientID]
	if ok {
		delete(set, clientID)
		if len(set) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	h.mu.Unlock()

	if !ok {
		return nil
	}
	if h.metrics != nil {
		h.metrics.Subscribers.Dec()
	}
	return sub
}

func (h *hub) count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}

func (h *hub) total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, set := range h.sessions {
		n += len(set)
	}
	return n
}

func (h *hub) list(sessionID string) []Subscriber {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.sessions[sessionID]))
	for _, s := range h.sessions[sessionID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	out := make([]Subscriber, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.snapshot())
	}
	return out
}

func (h *hub) members(sessionID string) []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := make([]*subscriber, 0, len(h.sessions[sessionID]))
	for _, s := range h.sessions[sessionID] {
		subs = append(subs, s)
	}
	return subs
}

// broadcast queues ev for every subscriber of the session and returns how
// many accepted it. A lagging subscriber is disconnected rather than
// allowed to hold the session back.
func (h *hub) broadcast(sessionID string, ev Event) int {
	delivered := 0
	for _, s := range h.members(sessionID) {
		if h.deliver(s, ev) {
			delivered++
		}
	}
	return delivered
}

// heartbeat queues a heartbeat for every subscriber of every session.
func (h *hub) heartbeat(now time.Time) int {
	h.mu.RLock()
	all := make([]*subscriber, 0)
	for _, set := range h.sessions {
		for _, s := range set {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, s := range all {
		ev := Event{
			Type:      EventHeartbeat,
			SessionID: s.sessionID,
			Timestamp: now,
			Data:      HeartbeatData{Timestamp: now},
		}
		if h.deliver(s, ev) {
			sent++
		}
	}
	return sent
}

func (h *hub) deliver(s *subscriber, ev Event) bool {
	err := s.enqueue(ev)
	if err == nil {
		return true
	}
	if h.metrics != nil {
		h.metrics.EventsDropped.WithLabelValues(string(ev.Type)).Inc()
	}
	if errors.Is(err, errSubscriberLagging) {
		h.logger.Warn("disconnecting lagging subscriber",
			slog.String("session_id", s.sessionID),
			slog.String("client_id", s.clientID),
			slog.String("event", string(ev.Type)),
		)
		s.close()
	}
	return false
}

// closeSession detaches every subscriber of the session, sends each the
// final event and closes it.
func (h *hub) closeSession(sessionID string, final Event) int {
	h.mu.Lock()
	set := h.sessions[sessionID]
	delete(h.sessions, sessionID)
	h.mu.Unlock()

	for _, s := range set {
		_ = s.enqueue(final)
		s.close()
	}
	if h.metrics != nil && len(set) > 0 {
		h.metrics.Subscribers.Sub(float64(len(set)))
	}
	return len(set)
}
