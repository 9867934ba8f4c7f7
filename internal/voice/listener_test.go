package voice

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/exam-voice-lab/internal/capture"
)

type chanSink chan AudioPayload

func (c chanSink) HandleAudio(p AudioPayload) { c <- p }

func (c chanSink) next(t *testing.T, final bool) AudioPayload {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case p := <-c:
			if p.IsFinal == final {
				return p
			}
		case <-timeout:
			t.Fatalf("no payload (final=%v) within 2s", final)
		}
	}
}

func (c chanSink) noFinal(t *testing.T, wait time.Duration) {
	t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case p := <-c:
			if p.IsFinal {
				t.Fatalf("unexpected final payload %+v", p.Reason)
			}
		case <-timeout:
			return
		}
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastConfig(mode Mode) Config {
	cfg := DefaultConfig(mode)
	cfg.SampleRate = testRate
	cfg.FrameSize = testFrameLen
	cfg.ChunkInterval = 50 * time.Millisecond
	cfg.SilenceTimeout = 150 * time.Millisecond
	cfg.MaxSpeech = 300 * time.Millisecond
	return cfg
}

func newTestListener(t *testing.T, cfg Config, opts Options) (*Listener, *capture.SyntheticProvider, chanSink) {
	t.Helper()
	p := &capture.SyntheticProvider{Devices: capture.SyntheticMicrophone()}
	sink := make(chanSink, 256)
	if opts.Provider == nil {
		opts.Provider = p
	}
	if opts.Sink == nil {
		opts.Sink = sink
	}
	l, err := New(cfg, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l, p, sink
}

func push(t *testing.T, p *capture.SyntheticProvider, volume float64, frames int) {
	t.Helper()
	ms := p.LastStream()
	for i := 0; i < frames; i++ {
		if !ms.Push(capture.Frame{Samples: samplesAt(volume)}) {
			t.Fatal("stream ended while pushing")
		}
	}
}

func TestListenerStopIsIdempotent(t *testing.T) {
	l, p, _ := newTestListener(t, fastConfig(ModeVoice), Options{})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	st := l.Status()
	if !st.IsListening || st.State != StateListening || st.SessionID == "" {
		t.Fatalf("unexpected status %+v", st)
	}
	push(t, p, 50, 3)
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := p.LastStream().Closes(); got != 1 {
		t.Fatalf("stream released %d times, want 1", got)
	}
	st = l.Status()
	if st.State != StateStopped || st.IsListening || st.VolumeLevel != 0 {
		t.Fatalf("unexpected status after stop %+v", st)
	}
}

func TestListenerStopFromSink(t *testing.T) {
	var l *Listener
	stopped := make(chan error, 1)
	sink := SinkFunc(func(p AudioPayload) {
		if p.IsFinal {
			stopped <- l.Stop()
		}
	})
	var p *capture.SyntheticProvider
	l, p, _ = newTestListener(t, fastConfig(ModeVoice), Options{Sink: sink})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	push(t, p, 60, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if ok, err := l.FlushNow(ctx); err != nil || !ok {
		t.Fatalf("FlushNow = %v, %v", ok, err)
	}
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop from sink: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop called from the sink did not return")
	}
	eventually(t, "stream release", func() bool { return p.LastStream().Closes() == 1 })
	if st := l.Status(); st.State != StateStopped || st.IsListening {
		t.Fatalf("status after stop from sink %+v", st)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
}

func TestListenerStopFromSilenceCallback(t *testing.T) {
	var l *Listener
	returned := make(chan struct{}, 1)
	var p *capture.SyntheticProvider
	l, p, _ = newTestListener(t, fastConfig(ModeVoice), Options{OnSilenceDetected: func() {
		_ = l.Stop()
		returned <- struct{}{}
	}})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	push(t, p, 60, 2)
	p.LastStream().Push(capture.Frame{Samples: samplesAt(0)})
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop called from OnSilenceDetected did not return")
	}
	eventually(t, "stream release", func() bool { return p.LastStream().Closes() == 1 })
}

func TestListenerStopBeforeStart(t *testing.T) {
	l, _, _ := newTestListener(t, fastConfig(ModeVoice), Options{})
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop on idle listener: %v", err)
	}
	if l.Status().State != StateIdle {
		t.Fatalf("state %s, want idle", l.Status().State)
	}
}

func TestListenerGateRefusesStart(t *testing.T) {
	l, p, _ := newTestListener(t, fastConfig(ModeVoice), Options{IsCaptureActive: func() bool { return false }})
	if err := l.Start(context.Background()); !errors.Is(err, ErrCaptureInactive) {
		t.Fatalf("want ErrCaptureInactive, got %v", err)
	}
	if p.Opens() != 0 {
		t.Fatal("device opened while capture inactive")
	}
}

func TestListenerAcquireFailureReturnsToIdle(t *testing.T) {
	l, p, _ := newTestListener(t, fastConfig(ModeVoice), Options{})
	p.Devices = nil
	err := l.Start(context.Background())
	if !errors.Is(err, capture.ErrNoDeviceFound) {
		t.Fatalf("want ErrNoDeviceFound, got %v", err)
	}
	st := l.Status()
	if st.State != StateIdle || st.LastError == nil || st.LastError.Kind != capture.KindNoDeviceFound {
		t.Fatalf("unexpected status %+v", st)
	}
	if p.Opens() != 0 {
		t.Fatal("stream opened without devices")
	}
}

func TestListenerRetryPermission(t *testing.T) {
	l, p, _ := newTestListener(t, fastConfig(ModeVoice), Options{})
	if err := l.RetryPermission(context.Background()); !errors.Is(err, ErrNoRemediation) {
		t.Fatalf("want ErrNoRemediation, got %v", err)
	}
	p.OpenErr = capture.ErrPermissionDenied
	if err := l.Start(context.Background()); !errors.Is(err, capture.ErrPermissionDenied) {
		t.Fatalf("want permission denied, got %v", err)
	}
	if !l.Status().LastError.NeedsRemediation() {
		t.Fatal("permission denial should offer remediation")
	}
	p.OpenErr = nil
	if err := l.RetryPermission(context.Background()); err != nil {
		t.Fatalf("RetryPermission: %v", err)
	}
	if st := l.Status(); st.State != StateListening || st.LastError != nil {
		t.Fatalf("unexpected status after retry %+v", st)
	}
}

func TestListenerSilenceDeadline(t *testing.T) {
	var silences atomic.Int32
	l, p, sink := newTestListener(t, fastConfig(ModeVoice), Options{OnSilenceDetected: func() { silences.Add(1) }})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	push(t, p, 50, 3)
	push(t, p, 10, 1)

	f := sink.next(t, true)
	if f.Reason != ReasonSilence || f.Mode != ModeVoice {
		t.Fatalf("unexpected final %+v", f)
	}
	if silences.Load() != 1 {
		t.Fatalf("want 1 silence notification, got %d", silences.Load())
	}
	if audio, err := f.Audio(); err != nil || len(audio) != 44+4*testFrameLen*2 {
		t.Fatalf("final audio %d bytes (err %v)", len(audio), err)
	}
}

func TestListenerMaxSpeechDeadline(t *testing.T) {
	l, p, sink := newTestListener(t, fastConfig(ModePureVoice), Options{})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	push(t, p, 60, 2)
	f := sink.next(t, true)
	if f.Reason != ReasonMaxSpeech || f.Mode != ModePureVoice {
		t.Fatalf("unexpected final %+v", f)
	}
}

func TestListenerFlushNow(t *testing.T) {
	cfg := fastConfig(ModeVoice)
	cfg.SilenceTimeout = time.Minute
	l, p, sink := newTestListener(t, cfg, Options{})
	ctx := context.Background()
	if _, err := l.FlushNow(ctx); !errors.Is(err, ErrNotListening) {
		t.Fatalf("want ErrNotListening, got %v", err)
	}
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	push(t, p, 50, 2)
	ok, err := l.FlushNow(ctx)
	if err != nil || !ok {
		t.Fatalf("FlushNow = %v, %v", ok, err)
	}
	if f := sink.next(t, true); f.Reason != ReasonManual {
		t.Fatalf("reason %q", f.Reason)
	}
	if ok, _ := l.FlushNow(ctx); ok {
		t.Fatal("flush of empty buffer emitted")
	}
}

func TestListenerElapsedResetsAfterFinal(t *testing.T) {
	cfg := fastConfig(ModeVoice)
	cfg.SilenceTimeout = time.Minute
	l, p, sink := newTestListener(t, cfg, Options{})
	ctx := context.Background()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	push(t, p, 50, 3)
	eventually(t, "elapsed to grow", func() bool { return l.Status().RecordingElapsedSeconds > 0 })

	if ok, err := l.FlushNow(ctx); err != nil || !ok {
		t.Fatalf("FlushNow = %v, %v", ok, err)
	}
	sink.next(t, true)
	eventually(t, "elapsed to reset", func() bool { return l.Status().RecordingElapsedSeconds == 0 })
	if st := l.Status(); st.State != StateListening {
		t.Fatalf("state after final %v, want listening", st.State)
	}
}

func TestListenerStopDiscardsUtterance(t *testing.T) {
	cfg := fastConfig(ModeVoice)
	cfg.SilenceTimeout = time.Minute
	l, p, sink := newTestListener(t, cfg, Options{})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	push(t, p, 50, 3)
	_ = l.Stop()
	sink.noFinal(t, 100*time.Millisecond)
}

func TestRecorderStopCommits(t *testing.T) {
	l, p, sink := newTestListener(t, fastConfig(ModeRecorder), Options{})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !p.LastConstraints().AutoGainControl {
		t.Fatal("recorder mode should request AGC")
	}
	push(t, p, 50, 3)
	_ = l.Stop()
	f := sink.next(t, true)
	if f.Reason != ReasonStop || f.Mode != ModeRecorder {
		t.Fatalf("unexpected final %+v", f)
	}
}

func TestListenerDeviceFailureStops(t *testing.T) {
	l, p, _ := newTestListener(t, fastConfig(ModeVoice), Options{})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p.LastStream().Fail(errors.New("device unplugged"))
	eventually(t, "stopped state", func() bool { return l.Status().State == StateStopped })
	st := l.Status()
	if st.LastError == nil || st.LastError.Kind != capture.KindUnknown {
		t.Fatalf("want unknown device error, got %+v", st.LastError)
	}
	if err := l.Stop(); err != nil {
		t.Fatalf("Stop after failure: %v", err)
	}
	if got := p.LastStream().Closes(); got != 1 {
		t.Fatalf("stream released %d times, want 1", got)
	}
}

func TestListenerEndOfInputFlushes(t *testing.T) {
	cfg := fastConfig(ModeVoice)
	cfg.SilenceTimeout = time.Minute
	l, p, sink := newTestListener(t, cfg, Options{})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	push(t, p, 50, 2)
	p.LastStream().Fail(nil)
	if f := sink.next(t, true); f.Reason != ReasonEndOfInput {
		t.Fatalf("reason %q", f.Reason)
	}
	eventually(t, "stopped state", func() bool { return l.Status().State == StateStopped })
	if l.Status().LastError != nil {
		t.Fatalf("end of input is not an error: %v", l.Status().LastError)
	}
}

func TestListenerRestartAfterStop(t *testing.T) {
	l, p, _ := newTestListener(t, fastConfig(ModeVoice), Options{})
	ctx := context.Background()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := l.Start(ctx); !errors.Is(err, ErrAlreadyListening) {
		t.Fatalf("want ErrAlreadyListening, got %v", err)
	}
	_ = l.Stop()
	if err := l.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if p.Opens() != 2 || l.Status().State != StateListening {
		t.Fatalf("opens=%d state=%s", p.Opens(), l.Status().State)
	}
}

func TestListenerWatchFollowsGate(t *testing.T) {
	var active atomic.Bool
	l, _, _ := newTestListener(t, fastConfig(ModeVoice), Options{IsCaptureActive: active.Load})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Watch(ctx, 10*time.Millisecond)

	active.Store(true)
	eventually(t, "auto start", func() bool { return l.Status().State == StateListening })
	active.Store(false)
	eventually(t, "auto stop", func() bool { return l.Status().State == StateStopped })
}
