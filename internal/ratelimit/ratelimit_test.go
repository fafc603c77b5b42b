package ratelimit

import (
	"errors"
	"testing"
	"time"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg Config) (*Limiter, *manualClock) {
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(cfg)
	l.now = clock.now
	return l, clock
}

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 1000; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("Allow #%d = %v, want nil", i, err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Allow("alice"); err != nil {
		t.Errorf("nil limiter Allow = %v, want nil", err)
	}
}

func TestAllow_BurstThenLimited(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 3})
	for i := 0; i < 3; i++ {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("Allow #%d = %v, want nil", i, err)
		}
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("Allow after burst = %v, want ErrRateLimited", err)
	}
}

func TestAllow_Refills(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	if err := l.Allow("alice"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("alice"); err == nil {
		t.Fatal("expected rate limit before refill")
	}
	clock.advance(time.Second)
	if err := l.Allow("alice"); err != nil {
		t.Errorf("Allow after refill = %v, want nil", err)
	}
}

func TestAllow_KeysIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 1})
	if err := l.Allow("alice"); err != nil {
		t.Fatal(err)
	}
	if err := l.Allow("bob"); err != nil {
		t.Errorf("bob should have his own bucket, got %v", err)
	}
}

func TestForgetAndCollect(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 60, BurstSize: 2})
	_ = l.Allow("a")
	_ = l.Allow("b")
	l.Forget("a")
	if got := l.Len(); got != 1 {
		t.Fatalf("Len after Forget = %d, want 1", got)
	}

	// Two seconds refills a burst of two; b is collected on the next call.
	clock.advance(3 * time.Second)
	_ = l.Allow("c")
	if got := l.Len(); got != 1 {
		t.Errorf("Len after collect = %d, want 1", got)
	}
}
