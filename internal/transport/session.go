package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/exam-voice-lab/internal/logging"
	"github.com/exam-voice-lab/internal/voice"
)

// ReconnectRecorder counts redials. *metrics.Metrics implements it.
type ReconnectRecorder interface {
	RecordReconnect()
}

// ExamSession keeps an exam socket connected until the server completes the
// exam or the context ends, redialing with backoff after drops. It is a
// voice.Sink; payloads produced while disconnected are dropped.
type ExamSession struct {
	opts       SocketOptions
	reconnects ReconnectRecorder
	// MinBackoff and MaxBackoff bound the redial delay.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	cur          atomic.Pointer[ExamSocket]
	complete     chan struct{}
	completeOnce sync.Once
}

func NewExamSession(opts SocketOptions, reconnects ReconnectRecorder) *ExamSession {
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	e := &ExamSession{
		reconnects: reconnects,
		MinBackoff: 500 * time.Millisecond,
		MaxBackoff: 10 * time.Second,
		complete:   make(chan struct{}),
	}
	onMessage := opts.OnMessage
	opts.OnMessage = func(m ServerMessage) {
		if m.Type == TypeExamComplete {
			e.completeOnce.Do(func() { close(e.complete) })
		}
		if onMessage != nil {
			onMessage(m)
		}
	}
	e.opts = opts
	return e
}

// Complete is closed once the server reports exam_complete.
func (e *ExamSession) Complete() <-chan struct{} { return e.complete }

// Connected reports whether a socket is currently up.
func (e *ExamSession) Connected() bool { return e.cur.Load() != nil }

func (e *ExamSession) HandleAudio(p voice.AudioPayload) {
	s := e.cur.Load()
	if s == nil {
		e.opts.Recorder.RecordSinkError("exam_socket")
		logging.Debugw("transport: exam socket down, dropping payload", "utterance.id", p.UtteranceID, "final", p.IsFinal)
		return
	}
	s.HandleAudio(p)
}

// EndExam sends end_exam on the live socket.
func (e *ExamSession) EndExam(ctx context.Context) error {
	s := e.cur.Load()
	if s == nil {
		return ErrSocketClosed
	}
	return s.EndExam(ctx)
}

// Run dials and redials until ctx is done or the exam completes. The live
// socket is closed, after flushing its queue, before Run returns.
func (e *ExamSession) Run(ctx context.Context) error {
	backoff := e.MinBackoff
	first := true
	for {
		if !first && e.reconnects != nil {
			e.reconnects.RecordReconnect()
		}
		first = false
		s, err := DialExam(ctx, e.opts)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Warnw("transport: exam socket dial failed", "err", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, e.MaxBackoff)
			continue
		}
		backoff = e.MinBackoff
		e.cur.Store(s)
		select {
		case <-ctx.Done():
			e.cur.Store(nil)
			s.Close()
			return ctx.Err()
		case <-e.complete:
			e.cur.Store(nil)
			s.Close()
			logging.Infow("transport: exam complete", "exam_id", e.opts.ExamID)
			return nil
		case <-s.Done():
			e.cur.Store(nil)
			s.Close()
			select {
			case <-e.complete:
				return nil
			default:
			}
			err := s.Err()
			if err == nil {
				err = errors.New("closed by server")
			}
			logging.Warnw("transport: exam socket dropped", "err", err)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
		}
	}
}

// Close ends a live socket without waiting for Run.
func (e *ExamSession) Close() error {
	if s := e.cur.Swap(nil); s != nil {
		return s.Close()
	}
	return nil
}

func nextBackoff(cur, max time.Duration) time.Duration {
	cur *= 2
	if cur > max {
		return max
	}
	return cur
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
