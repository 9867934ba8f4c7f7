package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/exam-voice-lab/internal/capture"
	"github.com/exam-voice-lab/internal/logging"
)

// State is the listener lifecycle state.
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateListening
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateAcquiring:
		return "acquiring"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

var (
	// ErrCaptureInactive is returned by Start while the capture gate is off.
	ErrCaptureInactive = errors.New("voice: capture is not active")
	// ErrAlreadyListening is returned by Start while a session is open or
	// being acquired.
	ErrAlreadyListening = errors.New("voice: listener already started")
	// ErrNotListening is returned by FlushNow without a running session.
	ErrNotListening = errors.New("voice: listener not running")
	// ErrNoRemediation is returned by RetryPermission when the last failure
	// was not a permission denial.
	ErrNoRemediation = errors.New("voice: no permission failure to retry")
)

// Options are the collaborators of a Listener. Provider and Sink are
// required.
type Options struct {
	Provider          capture.Provider
	Sink              Sink
	OnSilenceDetected func()
	// IsCaptureActive gates Start; nil means always active.
	IsCaptureActive func() bool
	Observer        Observer
}

// Status is a snapshot for UI binding and the control surface.
type Status struct {
	State       State
	IsListening bool
	Mode        Mode
	SessionID   string
	VolumeLevel float64
	// RecordingElapsedSeconds is the audio buffered for the utterance in
	// progress. It returns to 0 after every final payload, not only on Stop.
	RecordingElapsedSeconds float64
	LastError               *capture.Error
}

// Listener owns one capture session at a time and runs the pipeline on a
// single event loop goroutine.
type Listener struct {
	cfg  Config
	opts Options

	mu      sync.Mutex
	state   State
	run     *run
	lastErr *capture.Error
	volume  float64
	elapsed time.Duration
}

// run is one Listening period. The loop goroutine owns pipe.
type run struct {
	session  *capture.Session
	pipe     *Pipeline
	flush    chan chan bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	// callbacks counts sink and silence callbacks running on the loop.
	callbacks atomic.Int32
}

// callback runs fn on the loop with r.callbacks raised, so a Stop issued
// from inside fn does not wait for the loop it is running on.
func (r *run) callback(fn func()) {
	r.callbacks.Add(1)
	defer r.callbacks.Add(-1)
	fn()
}

func New(cfg Config, opts Options) (*Listener, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid listener config: %w", err)
	}
	if opts.Provider == nil {
		return nil, errors.New("voice: capture provider required")
	}
	if opts.Sink == nil {
		return nil, errors.New("voice: sink required")
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	return &Listener{cfg: cfg, opts: opts}, nil
}

func (l *Listener) Config() Config { return l.cfg }

func (l *Listener) setState(s State) {
	l.state = s
	l.opts.Observer.StateChanged(l.cfg.Mode, s)
}

// Start acquires the microphone and begins listening. ctx bounds the
// acquisition only; the session lives until Stop, Close or a device
// failure. Acquisition failures return the listener to Idle and are kept
// as LastError.
func (l *Listener) Start(ctx context.Context) error {
	if l.opts.IsCaptureActive != nil && !l.opts.IsCaptureActive() {
		return ErrCaptureInactive
	}
	enc, err := NewEncoder(l.cfg.Encoding, l.cfg.SampleRate)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if l.state == StateAcquiring || l.state == StateListening {
		l.mu.Unlock()
		return ErrAlreadyListening
	}
	l.setState(StateAcquiring)
	l.lastErr = nil
	l.mu.Unlock()

	session, err := capture.Acquire(ctx, l.opts.Provider, l.cfg.Constraints())
	if err != nil {
		ce := capture.Classify(err)
		l.opts.Observer.AcquireFailed(l.cfg.Mode, ce.Kind.String())
		l.mu.Lock()
		if l.state == StateAcquiring {
			l.setState(StateIdle)
		}
		l.lastErr = ce
		l.mu.Unlock()
		return ce
	}

	r := &run{
		session: session,
		flush:   make(chan chan bool),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	sink := l.opts.Sink
	var onSilence func()
	if fn := l.opts.OnSilenceDetected; fn != nil {
		onSilence = func() { r.callback(fn) }
	}
	r.pipe = NewPipeline(l.cfg, enc, PipelineOptions{
		Sink:              SinkFunc(func(p AudioPayload) { r.callback(func() { sink.HandleAudio(p) }) }),
		OnSilenceDetected: onSilence,
		Observer:          l.opts.Observer,
	})

	l.mu.Lock()
	if l.state != StateAcquiring {
		// Stop won the race while the device was opening.
		l.mu.Unlock()
		_ = session.Release()
		return ErrNotListening
	}
	l.run = r
	l.volume, l.elapsed = 0, 0
	l.setState(StateListening)
	l.mu.Unlock()

	logging.Infow("voice: listening", logging.SessionFields(session.ID, string(l.cfg.Mode))...)
	go l.loop(r)
	return nil
}

// RetryPermission re-runs acquisition after a permission denial.
func (l *Listener) RetryPermission(ctx context.Context) error {
	l.mu.Lock()
	le := l.lastErr
	l.mu.Unlock()
	if le == nil || !le.NeedsRemediation() {
		return ErrNoRemediation
	}
	return l.Start(ctx)
}

// Stop ends the session. It is idempotent and safe in every state: the
// loop exits (taking the deadline timer and cadence ticker with it), the
// stream is released and the volume drops to 0. Buffered audio is
// discarded unless FlushOnStop is set. Called from a sink or
// OnSilenceDetected, Stop returns at once and the loop releases the
// stream when the callback returns.
func (l *Listener) Stop() error {
	l.mu.Lock()
	r := l.run
	l.run = nil
	if l.state == StateListening || l.state == StateAcquiring {
		l.setState(StateStopped)
	}
	l.volume, l.elapsed = 0, 0
	l.mu.Unlock()
	if r == nil {
		return nil
	}
	r.stopOnce.Do(func() { close(r.stop) })
	if r.callbacks.Load() > 0 {
		// Called from a sink or OnSilenceDetected: the loop is this
		// goroutine and releases the session once the callback returns.
		logging.Infow("voice: stop requested from callback", logging.SessionFields(r.session.ID, string(l.cfg.Mode))...)
		return nil
	}
	<-r.done
	err := r.session.Release()
	logging.Infow("voice: stopped", logging.SessionFields(r.session.ID, string(l.cfg.Mode))...)
	return err
}

// Close is the disposal path; it always stops.
func (l *Listener) Close() error { return l.Stop() }

// FlushNow commits the current utterance. It reports whether a payload was
// emitted.
func (l *Listener) FlushNow(ctx context.Context) (bool, error) {
	l.mu.Lock()
	r := l.run
	l.mu.Unlock()
	if r == nil {
		return false, ErrNotListening
	}
	reply := make(chan bool, 1)
	select {
	case r.flush <- reply:
	case <-r.done:
		return false, ErrNotListening
	case <-ctx.Done():
		return false, ctx.Err()
	}
	select {
	case ok := <-reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (l *Listener) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := Status{
		State:       l.state,
		IsListening: l.state == StateListening,
		Mode:        l.cfg.Mode,
		LastError:   l.lastErr,
	}
	if l.run != nil {
		st.SessionID = l.run.session.ID
		st.VolumeLevel = l.volume
		st.RecordingElapsedSeconds = l.elapsed.Seconds()
	}
	return st
}

// Watch starts the listener when the capture gate turns on and stops it
// when the gate turns off, polling every interval until ctx is done.
func (l *Listener) Watch(ctx context.Context, interval time.Duration) {
	if l.opts.IsCaptureActive == nil {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	prev := false
	for {
		on := l.opts.IsCaptureActive()
		switch {
		case on && !prev:
			if err := l.Start(ctx); err != nil && !errors.Is(err, ErrAlreadyListening) {
				logging.Warnw("voice: auto-start failed", "mode", l.cfg.Mode, "err", err)
			}
		case !on && prev:
			_ = l.Stop()
		}
		prev = on
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (l *Listener) publish(r *run) {
	st := r.pipe.State()
	l.mu.Lock()
	if l.run == r {
		l.volume = st.VolumeLevel
		l.elapsed = r.pipe.Buffered()
	}
	l.mu.Unlock()
}

// finish moves the listener to Stopped after the stream ended on its own.
func (l *Listener) finish(r *run, err error) {
	l.mu.Lock()
	if l.run == r {
		l.run = nil
		l.setState(StateStopped)
		l.volume, l.elapsed = 0, 0
		if err != nil {
			l.lastErr = capture.Classify(err)
		}
	}
	l.mu.Unlock()
}

func (l *Listener) loop(r *run) {
	defer close(r.done)
	defer func() { _ = r.session.Release() }()
	stream := r.session.Stream()
	p := r.pipe

	ticker := time.NewTicker(l.cfg.ChunkInterval)
	defer ticker.Stop()
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	var timerAt time.Time

	// syncTimer points the timer at the pipeline's deadline.
	syncTimer := func() {
		at, armed := p.Deadline()
		if !armed {
			if !timerAt.IsZero() {
				timer.Stop()
				timerAt = time.Time{}
			}
			return
		}
		if !at.Equal(timerAt) {
			timer.Reset(time.Until(at))
			timerAt = at
		}
	}
	frame := func(f capture.Frame) {
		if f.At.IsZero() {
			f.At = time.Now()
		}
		p.Frame(f)
		syncTimer()
		l.publish(r)
	}

	for {
		select {
		case f := <-stream.Frames():
			frame(f)
		case now := <-ticker.C:
			p.Cut(now)
			l.publish(r)
		case now := <-timer.C:
			timerAt = time.Time{}
			p.Expire(now)
			syncTimer()
			l.publish(r)
		case reply := <-r.flush:
			reply <- p.Flush(ReasonManual, time.Now())
			syncTimer()
			l.publish(r)
		case <-r.stop:
			if l.cfg.FlushOnStop {
				p.Flush(ReasonStop, time.Now())
			} else {
				p.Discard()
			}
			return
		case <-stream.Done():
			// frames already queued still belong to this session
			for drained := false; !drained; {
				select {
				case f := <-stream.Frames():
					frame(f)
				default:
					drained = true
				}
			}
			err := stream.Err()
			if err == nil {
				p.Flush(ReasonEndOfInput, time.Now())
				logging.Infow("voice: input ended", logging.SessionFields(r.session.ID, string(l.cfg.Mode))...)
			} else {
				p.Discard()
				logging.Warnw("voice: device failed", "session.id", r.session.ID, "err", err)
			}
			select {
			case <-r.stop:
				// Stop already owns teardown.
			default:
				l.finish(r, err)
			}
			return
		}
	}
}
