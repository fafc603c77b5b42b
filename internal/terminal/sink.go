package terminal

import (
	"context"
	"errors"
	"sync"
)

// ErrSinkClosed is returned by Send after Close.
var ErrSinkClosed = errors.New("sink closed")

// ChanSink is an in-process Sink backed by a channel.
type ChanSink struct {
	mu     sync.Mutex
	ch     chan Event
	done   chan struct{}
	closed bool
}

// NewChanSink creates a sink with the given channel buffer.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{
		ch:   make(chan Event, buffer),
		done: make(chan struct{}),
	}
}

// Events returns the channel events are delivered on. It is closed by Close.
func (s *ChanSink) Events() <-chan Event { return s.ch }

func (s *ChanSink) Send(ctx context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *ChanSink) Done() <-chan struct{} { return s.done }

func (s *ChanSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	close(s.ch)
	return nil
}
