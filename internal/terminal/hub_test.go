package terminal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// failingSink accepts the connected event and fails every send after it.
type failingSink struct {
	mu    sync.Mutex
	sends int
	done  chan struct{}
	once  sync.Once
}

func newFailingSink() *failingSink { return &failingSink{done: make(chan struct{})} }

func (s *failingSink) Send(context.Context, Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	if s.sends > 1 {
		return errors.New("broken pipe")
	}
	return nil
}

func (s *failingSink) Done() <-chan struct{} { return s.done }

func (s *failingSink) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// blockingSink blocks every send until released.
type blockingSink struct {
	release chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *blockingSink) Send(ctx context.Context, _ Event) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *blockingSink) Done() <-chan struct{} { return s.done }

func (s *blockingSink) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func TestSubscribe_UnknownSession(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	sink := NewChanSink(1)
	if _, err := m.Subscribe("nope", sink); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	select {
	case <-sink.Done():
		t.Error("sink was touched for an unknown session")
	default:
	}
}

func TestSubscribe_ConnectedGoesOnlyToNewSubscriber(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	s := mustCreate(t, m)

	a := mustSubscribe(t, m, s.ID)
	nextEvent(t, a, EventConnected)
	b := mustSubscribe(t, m, s.ID)
	nextEvent(t, b, EventConnected)

	m.Broadcast(s.ID, Event{Type: EventOutput, Data: OutputData{Stdout: "x"}})
	nextEvent(t, a, EventOutput)
	nextEvent(t, b, EventOutput)
}

func TestBroadcast_NoSubscribers(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	s := mustCreate(t, m)
	if n := m.Broadcast(s.ID, Event{Type: EventOutput}); n != 0 {
		t.Errorf("delivered = %d, want 0", n)
	}
	if n := m.Broadcast("unknown", Event{Type: EventOutput}); n != 0 {
		t.Errorf("delivered to unknown session = %d, want 0", n)
	}
}

func TestBroadcast_FailingSubscriberDoesNotAffectOthers(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	s := mustCreate(t, m)

	good := mustSubscribe(t, m, s.ID)
	nextEvent(t, good, EventConnected)
	if _, err := m.Subscribe(s.ID, newFailingSink()); err != nil {
		t.Fatal(err)
	}

	m.Broadcast(s.ID, Event{Type: EventOutput, Data: OutputData{Stdout: "one"}})
	m.Broadcast(s.ID, Event{Type: EventOutput, Data: OutputData{Stdout: "two"}})

	if out := nextEvent(t, good, EventOutput).Data.(OutputData); out.Stdout != "one" {
		t.Errorf("first = %q, want one", out.Stdout)
	}
	if out := nextEvent(t, good, EventOutput).Data.(OutputData); out.Stdout != "two" {
		t.Errorf("second = %q, want two", out.Stdout)
	}
	waitFor(t, func() bool { return m.Stats().TotalSubscribers == 1 })
}

func TestBroadcast_LaggingSubscriberIsDisconnected(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, _ := newTestManager(t, Config{SubscriberBuffer: 1})
	metrics := NewMetrics(reg)
	m.WithMetrics(metrics, nil)
	s := mustCreate(t, m)

	slow := &blockingSink{release: make(chan struct{}), done: make(chan struct{})}
	if _, err := m.Subscribe(s.ID, slow); err != nil {
		t.Fatal(err)
	}

	delivered := 0
	for range 3 {
		delivered += m.Broadcast(s.ID, Event{Type: EventOutput})
	}
	if delivered >= 3 {
		t.Errorf("delivered = %d, want fewer than 3 with a full queue", delivered)
	}

	var dm dto.Metric
	if err := metrics.EventsDropped.WithLabelValues(string(EventOutput)).Write(&dm); err != nil {
		t.Fatal(err)
	}
	if dm.GetCounter().GetValue() < 1 {
		t.Errorf("events_dropped_total = %v, want >= 1", dm.GetCounter().GetValue())
	}

	close(slow.release)
	waitFor(t, func() bool { return m.Stats().TotalSubscribers == 0 })
}

func TestSendHeartbeat_AllSessions(t *testing.T) {
	clock := newFakeClock()
	m, _ := newTestManager(t, Config{})
	m.WithClock(clock.Now)

	a := mustCreate(t, m)
	b := mustCreate(t, m)
	sa := mustSubscribe(t, m, a.ID)
	sb := mustSubscribe(t, m, b.ID)
	nextEvent(t, sa, EventConnected)
	nextEvent(t, sb, EventConnected)
	before, _ := m.GetSession(a.ID)

	clock.Advance(time.Minute)
	if n := m.SendHeartbeat(); n != 2 {
		t.Errorf("heartbeats sent = %d, want 2", n)
	}
	for _, sink := range []*ChanSink{sa, sb} {
		ev := nextEvent(t, sink, EventHeartbeat)
		if !ev.Timestamp.Equal(clock.Now()) {
			t.Errorf("heartbeat timestamp = %s, want %s", ev.Timestamp, clock.Now())
		}
	}

	waitFor(t, func() bool {
		subs, err := m.Subscribers(a.ID)
		return err == nil && len(subs) == 1 && subs[0].LastHeartbeatAt.Equal(clock.Now())
	})

	after, _ := m.GetSession(a.ID)
	if !after.LastActivityAt.Equal(before.LastActivityAt) {
		t.Errorf("heartbeat changed last activity: %s -> %s", before.LastActivityAt, after.LastActivityAt)
	}
}

func TestDestroy_ClosesSubscribers(t *testing.T) {
	m, _ := newTestManager(t, Config{})
	s := mustCreate(t, m)
	sink := mustSubscribe(t, m, s.ID)
	nextEvent(t, sink, EventConnected)

	if err := m.DestroySession(context.Background(), s.ID); err != nil {
		t.Fatal(err)
	}

	ev := nextEvent(t, sink, EventSessionDestroyed)
	if data := ev.Data.(SessionDestroyedData); data.Reason != ReasonRequested || data.SessionID != s.ID {
		t.Errorf("destroyed data = %+v", data)
	}
	select {
	case _, ok := <-sink.Events():
		if ok {
			t.Error("sink still open after session_destroyed")
		}
	case <-time.After(time.Second):
		t.Error("sink not closed after destroy")
	}
	if n := m.Stats().TotalSubscribers; n != 0 {
		t.Errorf("subscribers = %d, want 0", n)
	}
}
