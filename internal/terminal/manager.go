package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ahutanu/sandbooks.space-sub000/internal/sandbox"
	"github.com/ahutanu/sandbooks.space-sub000/internal/scheduler"
)

// Defaults applied to zero Config fields.
const (
	DefaultInactivityTimeout = 30 * time.Minute
	DefaultCleanupInterval   = 5 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultMaxHistory        = 100
	DefaultMaxSessions       = 50
	DefaultCommandTimeout    = 30 * time.Second
	DefaultMinCommandTimeout = time.Second
	DefaultMaxCommandTimeout = 300 * time.Second
	DefaultChangeDirTimeout  = 5 * time.Second
)

// Destroy reasons reported in session_destroyed events and the journal.
const (
	ReasonRequested = "requested"
	ReasonInactive  = "inactive"
	ReasonShutdown  = "shutdown"
)

// Config tunes the manager.
type Config struct {
	InactivityTimeout time.Duration
	CleanupInterval   time.Duration
	HeartbeatInterval time.Duration
	MaxHistory        int
	MaxSessions       int
	DefaultTimeout    time.Duration
	MinTimeout        time.Duration
	MaxTimeout        time.Duration
	// ChangeDirTimeout bounds the follow-up run that resolves a new working directory.
	ChangeDirTimeout time.Duration
	// HomeDir is the initial working directory when the sandbox does not report one.
	HomeDir          string
	SubscriberBuffer int
}

func (c Config) withDefaults() Config {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = DefaultCommandTimeout
	}
	if c.MinTimeout <= 0 {
		c.MinTimeout = DefaultMinCommandTimeout
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = DefaultMaxCommandTimeout
	}
	if c.ChangeDirTimeout <= 0 {
		c.ChangeDirTimeout = DefaultChangeDirTimeout
	}
	if c.HomeDir == "" {
		c.HomeDir = sandbox.DefaultHomeDir
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = defaultSubscriberBuffer
	}
	return c
}

// Journal records session activity outside the process. Failures are
// logged and never affect the session.
type Journal interface {
	SessionCreated(ctx context.Context, s Session) error
	SessionDestroyed(ctx context.Context, sessionID, reason string, at time.Time) error
	CommandSubmitted(ctx context.Context, sessionID string, e HistoryEntry) error
	CommandFinished(ctx context.Context, sessionID string, e HistoryEntry) error
}

// session is the registry record. Fields below mu are guarded by it.
type session struct {
	id        string
	createdAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc

	mu             sync.Mutex
	handle         *sandbox.Handle
	status         Status
	lastActivityAt time.Time
	history        []HistoryEntry
	shell          ShellState
	inFlight       int
	pending        []pendingCommand
	draining       bool
}

// Manager is the single authority over sessions in a process.
type Manager struct {
	cfg      Config
	provider sandbox.Provider
	hub      *hub
	journal  Journal
	metrics  *Metrics
	sched    *scheduler.Metrics
	logger   *slog.Logger
	now      func() time.Time

	mu           sync.RWMutex
	sessions     map[string]*session
	provisioning int

	destroyed atomic.Int64
	commands  atomic.Int64
	workers   sync.WaitGroup

	stopMu sync.Mutex
	stop   func()
}

// NewManager creates a Manager backed by provider.
func NewManager(cfg Config, provider sandbox.Provider, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		provider: provider,
		hub:      newHub(logger, nil),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		sessions: make(map[string]*session),
	}
}

// WithJournal records session activity in j.
func (m *Manager) WithJournal(j Journal) *Manager {
	m.journal = j
	return m
}

// WithMetrics enables Prometheus metrics.
func (m *Manager) WithMetrics(metrics *Metrics, sched *scheduler.Metrics) *Manager {
	m.metrics = metrics
	m.sched = sched
	m.hub.metrics = metrics
	return m
}

// WithClock overrides the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// CreateSession provisions a dedicated sandbox and registers a new session.
func (m *Manager) CreateSession(ctx context.Context) (*Session, error) {
	if err := m.reserve(ctx); err != nil {
		return nil, err
	}
	defer m.release()

	h, err := m.provider.CreateIsolated(ctx)
	if err != nil {
		if h != nil {
			if derr := m.provider.Destroy(context.WithoutCancel(ctx), h); derr != nil {
				m.logger.Warn("rollback of partial sandbox failed",
					slog.String("sandbox_id", h.ID),
					slog.String("error", derr.Error()),
				)
			}
		}
		return nil, fmt.Errorf("%w: %w", ErrSandboxCreate, err)
	}

	now := m.now()
	home := h.HomeDir
	if home == "" {
		home = m.cfg.HomeDir
	}
	sctx, cancel := context.WithCancel(context.Background())
	s := &session{
		id:             uuid.NewString(),
		createdAt:      now,
		ctx:            sctx,
		cancel:         cancel,
		handle:         h,
		status:         StatusActive,
		lastActivityAt: now,
		shell:          ShellState{WorkingDir: home, Env: make(map[string]string)},
	}

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SessionsCreated.Inc()
		m.metrics.SessionsLive.Inc()
	}
	m.logger.Info("session created",
		slog.String("session_id", s.id),
		slog.String("sandbox_id", h.ID),
	)

	snap := m.snapshot(s)
	if m.journal != nil {
		if err := m.journal.SessionCreated(ctx, *snap); err != nil {
			m.logger.Warn("journal: session created", slog.String("session_id", s.id), slog.String("error", err.Error()))
		}
	}
	return snap, nil
}

// reserve claims a creation slot, sweeping inactive sessions once if the
// ceiling is reached.
func (m *Manager) reserve(ctx context.Context) error {
	if m.tryReserve() {
		return nil
	}
	res := m.CleanupInactiveSessions(ctx)
	m.logger.Info("capacity reached, reclaimed inactive sessions",
		slog.Int("cleaned", res.CleanedCount),
	)
	if m.tryReserve() {
		return nil
	}
	if m.metrics != nil {
		m.metrics.CapacityRejections.Inc()
	}
	return fmt.Errorf("%w: limit is %d", ErrCapacityExceeded, m.cfg.MaxSessions)
}

func (m *Manager) tryReserve() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sessions)+m.provisioning >= m.cfg.MaxSessions {
		return false
	}
	m.provisioning++
	return true
}

func (m *Manager) release() {
	m.mu.Lock()
	m.provisioning--
	m.mu.Unlock()
}

// lookup returns the live record for id.
func (m *Manager) lookup(id string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.mu.Lock()
	destroyed := s.status == StatusDestroyed
	s.mu.Unlock()
	if destroyed {
		return nil, fmt.Errorf("%w: %s", ErrSessionDestroyed, id)
	}
	return s, nil
}

// GetSession returns a snapshot of the session.
func (m *Manager) GetSession(id string) (*Session, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	return m.snapshot(s), nil
}

// ListSessions returns snapshots of every live session.
func (m *Manager) ListSessions() []Session {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	out := make([]Session, 0, len(all))
	for _, s := range all {
		snap := m.snapshot(s)
		if snap.Status != StatusDestroyed {
			out = append(out, *snap)
		}
	}
	return out
}

func (m *Manager) snapshot(s *session) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := &Session{
		ID:             s.id,
		Status:         s.status,
		CreatedAt:      s.createdAt,
		LastActivityAt: s.lastActivityAt,
		History:        make([]HistoryEntry, len(s.history)),
		Subscribers:    m.hub.count(s.id),
	}
	if s.handle != nil {
		snap.SandboxID = s.handle.ID
	}
	copy(snap.History, s.history)
	return snap
}

// ShellState returns a copy of the session's tracked shell state.
func (m *Manager) ShellState(id string) (ShellState, error) {
	s, err := m.lookup(id)
	if err != nil {
		return ShellState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	env := make(map[string]string, len(s.shell.Env))
	for k, v := range s.shell.Env {
		env[k] = v
	}
	return ShellState{WorkingDir: s.shell.WorkingDir, Env: env}, nil
}

// DestroySession tears the session down. Sandbox teardown failures are
// logged and do not fail the call. A second call returns ErrSessionNotFound.
func (m *Manager) DestroySession(ctx context.Context, id string) error {
	_, err := m.destroy(ctx, id, ReasonRequested)
	return err
}

// destroy returns the sandbox teardown failure separately from err, which
// is only set when the session could not be destroyed by this call.
func (m *Manager) destroy(ctx context.Context, id, reason string) (teardown error, err error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	s.mu.Lock()
	if s.status == StatusDestroyed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionDestroyed, id)
	}
	s.status = StatusDestroyed
	s.pending = nil
	h := s.handle
	s.mu.Unlock()
	s.cancel()

	now := m.now()
	m.hub.closeSession(id, Event{
		Type:      EventSessionDestroyed,
		SessionID: id,
		Timestamp: now,
		Data:      SessionDestroyedData{SessionID: id, Reason: reason},
	})

	if h != nil {
		if terr := m.provider.Destroy(context.WithoutCancel(ctx), h); terr != nil {
			teardown = terr
			m.logger.Warn("sandbox teardown failed",
				slog.String("session_id", id),
				slog.String("sandbox_id", h.ID),
				slog.String("error", terr.Error()),
			)
		}
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	m.destroyed.Add(1)

	if m.metrics != nil {
		m.metrics.SessionsLive.Dec()
		m.metrics.SessionsDestroyed.WithLabelValues(reason).Inc()
	}
	m.logger.Info("session destroyed",
		slog.String("session_id", id),
		slog.String("reason", reason),
	)
	if m.journal != nil {
		if jerr := m.journal.SessionDestroyed(context.WithoutCancel(ctx), id, reason, now); jerr != nil {
			m.logger.Warn("journal: session destroyed", slog.String("session_id", id), slog.String("error", jerr.Error()))
		}
	}
	return teardown, nil
}

// CleanupInactiveSessions destroys every session idle past the inactivity
// timeout. Per-session failures are collected; the sweep always completes.
func (m *Manager) CleanupInactiveSessions(ctx context.Context) CleanupResult {
	cutoff := m.now().Add(-m.cfg.InactivityTimeout)

	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		s.mu.Lock()
		if s.status != StatusDestroyed && s.lastActivityAt.Before(cutoff) {
			stale = append(stale, id)
		}
		s.mu.Unlock()
	}
	m.mu.RUnlock()

	res := CleanupResult{Errors: []CleanupError{}}
	for _, id := range stale {
		teardown, err := m.destroy(ctx, id, ReasonInactive)
		if err != nil {
			// Destroyed concurrently by someone else.
			if errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionDestroyed) {
				continue
			}
			res.Errors = append(res.Errors, CleanupError{SessionID: id, Error: err.Error()})
			continue
		}
		res.CleanedCount++
		if teardown != nil {
			res.Errors = append(res.Errors, CleanupError{SessionID: id, Error: teardown.Error()})
		}
	}

	if res.CleanedCount > 0 || len(res.Errors) > 0 {
		m.logger.Info("inactivity sweep",
			slog.Int("cleaned", res.CleanedCount),
			slog.Int("errors", len(res.Errors)),
		)
	}
	return res
}

// Stats returns aggregate counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	st := Stats{
		DestroyedSessions: m.destroyed.Load(),
		TotalCommands:     m.commands.Load(),
		TotalSubscribers:  m.hub.total(),
	}
	for _, s := range all {
		s.mu.Lock()
		switch s.status {
		case StatusActive:
			st.ActiveSessions++
		case StatusIdle:
			st.IdleSessions++
		}
		s.mu.Unlock()
	}
	st.TotalSessions = st.ActiveSessions + st.IdleSessions
	return st
}

// Subscribe attaches sink to the session's event stream. The new
// subscriber alone receives a connected event first. When sink.Done is
// closed the subscriber is unregistered.
func (m *Manager) Subscribe(id string, sink Sink) (*Subscriber, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	now := m.now()
	sub := newSubscriber(id, uuid.NewString(), sink, m.cfg.SubscriberBuffer, now)

	s.mu.Lock()
	if s.status == StatusDestroyed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSessionDestroyed, id)
	}
	var sandboxID string
	if s.handle != nil {
		sandboxID = s.handle.ID
	}
	_ = sub.enqueue(Event{
		Type:      EventConnected,
		SessionID: id,
		Timestamp: now,
		Data:      ConnectedData{SessionID: id, SandboxID: sandboxID, ClientID: sub.clientID},
	})
	// Registered under the session lock so a concurrent destroy either
	// sees this subscriber or is seen by it.
	m.hub.add(sub)
	s.status = StatusActive
	s.lastActivityAt = now
	s.mu.Unlock()

	go sub.run(m.logger)
	go func() {
		<-sink.Done()
		m.Unsubscribe(id, sub.clientID)
	}()

	m.logger.Debug("subscriber connected",
		slog.String("session_id", id),
		slog.String("client_id", sub.clientID),
	)
	info := sub.snapshot()
	return &info, nil
}

// Unsubscribe removes a subscriber. When the last one leaves and no
// command is in flight the session becomes idle.
func (m *Manager) Unsubscribe(id, clientID string) {
	sub := m.hub.remove(id, clientID)
	if sub == nil {
		return
	}
	sub.close()

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		s.mu.Lock()
		if s.status != StatusDestroyed {
			s.lastActivityAt = m.now()
			m.settle(s)
		}
		s.mu.Unlock()
	}

	m.logger.Debug("subscriber disconnected",
		slog.String("session_id", id),
		slog.String("client_id", clientID),
	)
}

// Subscribers lists the subscribers of a session.
func (m *Manager) Subscribers(id string) ([]Subscriber, error) {
	if _, err := m.lookup(id); err != nil {
		return nil, err
	}
	return m.hub.list(id), nil
}

// settle moves an active session to idle when nothing holds it active.
// Caller holds s.mu.
func (m *Manager) settle(s *session) {
	if s.status == StatusActive && s.inFlight == 0 && m.hub.count(s.id) == 0 {
		s.status = StatusIdle
	}
}

// Broadcast delivers ev to every subscriber of the session. It never
// fails; with no subscribers it does nothing.
func (m *Manager) Broadcast(id string, ev Event) int {
	if ev.SessionID == "" {
		ev.SessionID = id
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}
	return m.hub.broadcast(id, ev)
}

// SendHeartbeat sends a heartbeat to every subscriber of every session.
func (m *Manager) SendHeartbeat() int {
	return m.hub.heartbeat(m.now())
}

// Start runs the inactivity sweep and heartbeat jobs. The returned
// function stops both.
func (m *Manager) Start(ctx context.Context) func() {
	s := scheduler.New(m.sched, m.logger).
		Add(scheduler.Job{
			Name:     "inactivity_sweep",
			Interval: m.cfg.CleanupInterval,
			Run: func(ctx context.Context) {
				m.CleanupInactiveSessions(ctx)
			},
		}).
		Add(scheduler.Job{
			Name:     "heartbeat",
			Interval: m.cfg.HeartbeatInterval,
			Run: func(context.Context) {
				m.SendHeartbeat()
			},
		})

	stop := s.Start(ctx)
	m.stopMu.Lock()
	m.stop = stop
	m.stopMu.Unlock()
	return stop
}

// Shutdown stops the schedulers, destroys every session and waits for
// command workers to exit or ctx to end. Destroy errors are ignored.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopMu.Lock()
	stop := m.stop
	m.stop = nil
	m.stopMu.Unlock()
	if stop != nil {
		stop()
	}

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		_, _ = m.destroy(ctx, id, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown: command workers still running")
	}
	m.logger.Info("session manager stopped", slog.Int("sessions_destroyed", len(ids)))
}
