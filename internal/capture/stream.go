package capture

import (
	"sync"
	"sync/atomic"
)

// streamCore carries the channel plumbing shared by every Stream
// implementation. frames is never closed; consumers watch done instead so a
// late producer can never send on a closed channel.
type streamCore struct {
	frames chan Frame
	done   chan struct{}

	mu    sync.Mutex
	err   error
	ended bool
}

func newStreamCore(buffer int) *streamCore {
	return &streamCore{
		frames: make(chan Frame, buffer),
		done:   make(chan struct{}),
	}
}

func (s *streamCore) Frames() <-chan Frame  { return s.frames }
func (s *streamCore) Done() <-chan struct{} { return s.done }

func (s *streamCore) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// end marks the stream finished. Only the first call records err.
func (s *streamCore) end(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.ended = true
	s.err = err
	close(s.done)
	return true
}

// deliver blocks until the frame is taken or the stream ends.
func (s *streamCore) deliver(f Frame) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.frames <- f:
		return true
	case <-s.done:
		return false
	}
}

// ManualStream is a Stream fed by the caller. Tests use it to script frame
// sequences and device failures without hardware.
type ManualStream struct {
	*streamCore
	closes atomic.Int32
}

func NewManualStream(buffer int) *ManualStream {
	return &ManualStream{streamCore: newStreamCore(buffer)}
}

// Push delivers f, blocking until it is consumed. It returns false once the
// stream has ended.
func (s *ManualStream) Push(f Frame) bool { return s.deliver(f) }

// Fail ends the stream as a device failure would.
func (s *ManualStream) Fail(err error) { s.end(err) }

func (s *ManualStream) Close() error {
	s.closes.Add(1)
	s.end(nil)
	return nil
}

// Closes reports how many times Close was called.
func (s *ManualStream) Closes() int { return int(s.closes.Load()) }
