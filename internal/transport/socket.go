package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/exam-voice-lab/internal/logging"
	"github.com/exam-voice-lab/internal/voice"
	"github.com/gorilla/websocket"
)

// Recorder receives delivery statistics. *metrics.Metrics implements it.
type Recorder interface {
	RecordSinkError(sink string)
	RecordServerMessage(msgType string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSinkError(string)     {}
func (nopRecorder) RecordServerMessage(string) {}

// ErrSocketClosed is returned for sends after Close or a dropped connection.
var ErrSocketClosed = errors.New("transport: exam socket closed")

// SocketOptions configure DialExam.
type SocketOptions struct {
	BaseURL string
	ExamID  string
	Token   string
	Mode    voice.Mode

	QueueSize    int
	WriteTimeout time.Duration
	// OnMessage is called from the read goroutine for every server message.
	OnMessage func(ServerMessage)
	Recorder  Recorder
	Dialer    *websocket.Dialer
}

// ExamSocket is a voice.Sink writing payloads to the exam websocket. A
// single writer goroutine owns the connection's write side.
type ExamSocket struct {
	conn *websocket.Conn
	opts SocketOptions

	out  chan []byte
	quit chan struct{}
	done chan struct{}
	wg   sync.WaitGroup

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

// DialExam connects to the exam socket and starts its read and write
// goroutines.
func DialExam(ctx context.Context, opts SocketOptions) (*ExamSocket, error) {
	u, err := ExamURL(opts.BaseURL, opts.ExamID, opts.Token, opts.Mode)
	if err != nil {
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial exam socket: %w", err)
	}
	s := &ExamSocket{
		conn: conn,
		opts: opts,
		out:  make(chan []byte, opts.QueueSize),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()
	logging.Infow("transport: exam socket connected", "url", redactToken(u), "exam_id", opts.ExamID, "mode", opts.Mode)
	return s, nil
}

// HandleAudio queues p for sending. Partials are dropped when the queue is
// full; finals wait up to the write timeout for room.
func (s *ExamSocket) HandleAudio(p voice.AudioPayload) {
	frame, err := encodeChunk(p)
	if err != nil {
		logging.Errorw("transport: encode chunk failed", "utterance.id", p.UtteranceID, "err", err)
		return
	}
	if !p.IsFinal {
		if s.closed() {
			return
		}
		select {
		case s.out <- frame:
		case <-s.done:
		default:
			s.opts.Recorder.RecordSinkError("exam_socket")
			logging.Debugw("transport: queue full, dropping partial", "utterance.id", p.UtteranceID, "seq", p.Sequence)
		}
		return
	}
	if err := s.enqueue(frame, s.opts.WriteTimeout); err != nil {
		s.opts.Recorder.RecordSinkError("exam_socket")
		logging.Warnw("transport: final payload not sent", "utterance.id", p.UtteranceID, "err", err)
	}
}

// EndExam asks the server to finish the exam.
func (s *ExamSocket) EndExam(ctx context.Context) error {
	timeout := s.opts.WriteTimeout
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	return s.enqueue(endExamFrame, timeout)
}

func (s *ExamSocket) closed() bool {
	select {
	case <-s.quit:
		return true
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *ExamSocket) enqueue(frame []byte, timeout time.Duration) error {
	if s.closed() {
		return ErrSocketClosed
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case s.out <- frame:
		return nil
	case <-s.done:
		return ErrSocketClosed
	case <-s.quit:
		return ErrSocketClosed
	case <-t.C:
		return fmt.Errorf("transport: send queue full after %v", timeout)
	}
}

// Done is closed when the connection is gone.
func (s *ExamSocket) Done() <-chan struct{} { return s.done }

// Err reports why the connection ended; nil after a clean Close.
func (s *ExamSocket) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *ExamSocket) fail(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// Close flushes queued frames, sends a close frame and waits for both
// goroutines.
func (s *ExamSocket) Close() error {
	s.closeOnce.Do(func() { close(s.quit) })
	s.wg.Wait()
	return nil
}

func (s *ExamSocket) write(frame []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

func (s *ExamSocket) writeLoop() {
	defer s.wg.Done()
	defer s.conn.Close()
	for {
		select {
		case frame := <-s.out:
			if err := s.write(frame); err != nil {
				s.fail(err)
				logging.Warnw("transport: write failed", "err", err)
				return
			}
		case <-s.done:
			return
		case <-s.quit:
			for {
				select {
				case frame := <-s.out:
					if err := s.write(frame); err != nil {
						return
					}
				default:
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
					_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
					return
				}
			}
		}
	}
}

func (s *ExamSocket) readLoop() {
	defer s.wg.Done()
	defer close(s.done)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.quit:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.fail(err)
				}
				logging.Infow("transport: exam socket closed by server", "err", err)
			}
			return
		}
		m, err := decodeServerMessage(data)
		if err != nil {
			logging.Warnw("transport: bad server message", "err", err)
			continue
		}
		s.opts.Recorder.RecordServerMessage(m.Type)
		if s.opts.OnMessage != nil {
			s.opts.OnMessage(m)
		}
	}
}
