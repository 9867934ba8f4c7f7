package voice

import (
	"math"
	"testing"
	"time"

	"github.com/exam-voice-lab/internal/capture"
)

const (
	testRate     = 48000
	testFrameLen = 4800 // 100ms
	testFrameDur = 100 * time.Millisecond
)

// samplesAt returns a frame whose normalized volume is v.
func samplesAt(v float64) []float32 {
	out := make([]float32, testFrameLen)
	if v <= 0 {
		return out
	}
	level := float32(math.Pow(10, (v-100)/20))
	for i := range out {
		out[i] = level
	}
	return out
}

type recordingSink struct {
	payloads []AudioPayload
}

func (r *recordingSink) HandleAudio(p AudioPayload) { r.payloads = append(r.payloads, p) }

func (r *recordingSink) finals() []AudioPayload {
	var out []AudioPayload
	for _, p := range r.payloads {
		if p.IsFinal {
			out = append(out, p)
		}
	}
	return out
}

func (r *recordingSink) partials() []AudioPayload {
	var out []AudioPayload
	for _, p := range r.payloads {
		if !p.IsFinal {
			out = append(out, p)
		}
	}
	return out
}

// harness drives a Pipeline on a synthetic clock: frame i is captured at
// t0 + i*100ms and the cadence cuts after every fifth frame.
type harness struct {
	t        *testing.T
	p        *Pipeline
	sink     *recordingSink
	silences int
	t0       time.Time
	n        int
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	cfg.SampleRate = testRate
	cfg.FrameSize = testFrameLen
	h := &harness{t: t, sink: &recordingSink{}, t0: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	enc, err := NewEncoder(EncodingPCM, testRate)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	h.p = NewPipeline(cfg, enc, PipelineOptions{
		Sink:              h.sink,
		OnSilenceDetected: func() { h.silences++ },
	})
	return h
}

func (h *harness) now() time.Time { return h.t0.Add(time.Duration(h.n) * testFrameDur) }

func (h *harness) feed(volume float64, d time.Duration) {
	for i := 0; i < int(d/testFrameDur); i++ {
		h.p.Frame(capture.Frame{Samples: samplesAt(volume), At: h.now()})
		h.n++
		if h.n%5 == 0 {
			h.p.Cut(h.now())
		}
	}
}

func (h *harness) elapsed(p AudioPayload) time.Duration { return p.CreatedAt.Sub(h.t0) }

func TestSilenceDeadlineEmitsOneFinal(t *testing.T) {
	cfg := DefaultConfig(ModeVoice)
	h := newHarness(t, cfg)

	h.feed(50, time.Second)
	h.feed(10, 2100*time.Millisecond)

	finals := h.sink.finals()
	if len(finals) != 1 {
		t.Fatalf("want 1 final payload, got %d", len(finals))
	}
	f := finals[0]
	if at := h.elapsed(f); at < 2900*time.Millisecond || at > 3200*time.Millisecond {
		t.Fatalf("final emitted at %v, want ~3.1s", at)
	}
	if f.DurationSeconds < 2.9 || f.DurationSeconds > 3.2 {
		t.Fatalf("final covers %.2fs, want ~3.1s", f.DurationSeconds)
	}
	if f.Reason != ReasonSilence || f.Mode != ModeVoice {
		t.Fatalf("unexpected final %+v", f)
	}
	if h.p.State().InUtterance() {
		t.Fatal("speech tracking should be reset after the deadline")
	}
}

func TestBufferEmptyRightAfterDeadline(t *testing.T) {
	h := newHarness(t, DefaultConfig(ModeVoice))
	h.feed(50, time.Second)
	h.feed(10, time.Second)

	at, armed := h.p.Deadline()
	if !armed {
		t.Fatal("silence deadline should be armed")
	}
	if !h.p.Expire(at) {
		t.Fatal("deadline did not fire")
	}
	if got := len(h.sink.finals()); got != 1 {
		t.Fatalf("want 1 final, got %d", got)
	}
	if h.p.emitter.Len() != 0 || h.p.Buffered() != 0 {
		t.Fatalf("buffer not empty after flush: %d fragments, %v", h.p.emitter.Len(), h.p.Buffered())
	}
	if _, armed := h.p.Deadline(); armed {
		t.Fatal("deadline still armed after firing")
	}
}

func TestMaxSpeechDeadlineFiresDuringContinuousSpeech(t *testing.T) {
	h := newHarness(t, DefaultConfig(ModePureVoice))

	h.feed(60, 15*time.Second)

	finals := h.sink.finals()
	if len(finals) != 1 {
		t.Fatalf("want exactly 1 final in 15s of speech, got %d", len(finals))
	}
	if at := h.elapsed(finals[0]); at != 10*time.Second {
		t.Fatalf("final at %v, want 10s", at)
	}
	if finals[0].Reason != ReasonMaxSpeech {
		t.Fatalf("reason %q", finals[0].Reason)
	}
	if math.Abs(finals[0].DurationSeconds-10) > 0.01 {
		t.Fatalf("final covers %.2fs, want 10s", finals[0].DurationSeconds)
	}
	// continued speech opens a new utterance with a fresh deadline
	at, armed := h.p.Deadline()
	if !armed || at.Sub(h.t0) != 20*time.Second {
		t.Fatalf("next deadline %v armed=%v, want 20s", at.Sub(h.t0), armed)
	}
}

func TestSpeechResumeCancelsSilenceDeadline(t *testing.T) {
	h := newHarness(t, DefaultConfig(ModeVoice))

	h.feed(50, time.Second)
	h.feed(10, time.Second)
	first, armed := h.p.Deadline()
	if !armed {
		t.Fatal("silence deadline should be armed after the pause")
	}
	h.feed(50, 500*time.Millisecond)
	if _, armed := h.p.Deadline(); armed {
		t.Fatal("speech should cancel the silence deadline")
	}
	if h.p.Expire(first) {
		t.Fatal("cancelled deadline fired")
	}
	if got := len(h.sink.finals()); got != 0 {
		t.Fatalf("no payload expected at the first deadline, got %d", got)
	}
}

func TestFlushOnEmptyBufferIsNoop(t *testing.T) {
	h := newHarness(t, DefaultConfig(ModeVoice))
	before := h.p.State()
	if h.p.Flush(ReasonManual, h.now()) {
		t.Fatal("flush of empty buffer reported an emit")
	}
	if len(h.sink.payloads) != 0 {
		t.Fatalf("empty flush emitted %d payloads", len(h.sink.payloads))
	}
	if h.p.State() != before {
		t.Fatalf("state changed: %+v -> %+v", before, h.p.State())
	}

	h.feed(50, 300*time.Millisecond)
	if !h.p.Flush(ReasonManual, h.now()) {
		t.Fatal("flush with audio did not emit")
	}
	after := h.p.State()
	if h.p.Flush(ReasonManual, h.now()) {
		t.Fatal("second flush emitted")
	}
	if h.p.State() != after || len(h.sink.finals()) != 1 {
		t.Fatal("second flush changed state or emitted")
	}
}

func TestFlushIncludesFragmentNotYetCut(t *testing.T) {
	h := newHarness(t, DefaultConfig(ModeVoice))
	h.feed(50, 700*time.Millisecond) // one cut at 500ms, 200ms pending

	if !h.p.Flush(ReasonManual, h.now()) {
		t.Fatal("flush did not emit")
	}
	f := h.sink.finals()[0]
	if math.Abs(f.DurationSeconds-0.7) > 0.001 {
		t.Fatalf("final covers %.3fs, want 0.7s", f.DurationSeconds)
	}
	audio, err := f.Audio()
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	if want := 44 + 7*testFrameLen*2; len(audio) != want {
		t.Fatalf("wav size %d, want %d", len(audio), want)
	}
}

func TestPartialsPrecedeFinal(t *testing.T) {
	h := newHarness(t, DefaultConfig(ModeVoice))
	h.feed(50, time.Second)
	h.feed(10, 2500*time.Millisecond)

	partials := h.sink.partials()
	finals := h.sink.finals()
	if len(finals) != 1 || len(partials) == 0 {
		t.Fatalf("got %d partials and %d finals", len(partials), len(finals))
	}
	f := finals[0]
	var fragBytes int
	var n int
	for _, p := range h.sink.payloads {
		if p.IsFinal {
			break
		}
		if p.UtteranceID != f.UtteranceID {
			t.Fatalf("partial %d belongs to another utterance", p.Sequence)
		}
		if p.Sequence != n {
			t.Fatalf("partial sequence %d, want %d", p.Sequence, n)
		}
		b, _ := p.Audio()
		fragBytes += len(b)
		n++
	}
	if f.Sequence != n {
		t.Fatalf("final sequence %d, want %d", f.Sequence, n)
	}
	audio, _ := f.Audio()
	// the final also holds the samples written after the last cut
	if len(audio) < 44+fragBytes {
		t.Fatalf("final (%d bytes) smaller than its partials (%d bytes)", len(audio), fragBytes)
	}
	for _, p := range partials {
		if p.SilenceDurationMs < 0 {
			t.Fatalf("negative silence duration %d", p.SilenceDurationMs)
		}
	}
}

func TestPartialsCanBeDisabled(t *testing.T) {
	cfg := DefaultConfig(ModeVoice)
	cfg.EmitPartials = false
	h := newHarness(t, cfg)
	h.feed(50, time.Second)
	h.feed(10, 2500*time.Millisecond)
	if len(h.sink.partials()) != 0 {
		t.Fatalf("partials emitted while disabled: %d", len(h.sink.partials()))
	}
	if len(h.sink.finals()) != 1 {
		t.Fatalf("want 1 final, got %d", len(h.sink.finals()))
	}
}

func TestSilenceOnsetNotifiedOncePerTransition(t *testing.T) {
	cfg := DefaultConfig(ModeVoice)
	cfg.SilenceTimeout = time.Minute
	h := newHarness(t, cfg)

	h.feed(10, time.Second) // initial silence is not an onset
	h.feed(50, 500*time.Millisecond)
	h.feed(10, time.Second)
	h.feed(50, 500*time.Millisecond)
	h.feed(10, time.Second)

	if h.silences != 2 {
		t.Fatalf("want 2 silence notifications, got %d", h.silences)
	}
}

func TestSilenceWithoutSpeechArmsNothing(t *testing.T) {
	h := newHarness(t, DefaultConfig(ModeVoice))
	h.feed(10, 5*time.Second)
	if _, armed := h.p.Deadline(); armed {
		t.Fatal("deadline armed without speech")
	}
	if len(h.sink.finals()) != 0 {
		t.Fatal("final emitted without speech")
	}
}

func TestRecorderModeHasNoDeadline(t *testing.T) {
	h := newHarness(t, DefaultConfig(ModeRecorder))
	h.feed(60, 12*time.Second)
	h.feed(10, 5*time.Second)
	if len(h.sink.payloads) != 0 {
		t.Fatalf("recorder emitted %d payloads before commit", len(h.sink.payloads))
	}
	if !h.p.Flush(ReasonStop, h.now()) {
		t.Fatal("commit did not emit")
	}
	if d := h.sink.finals()[0].DurationSeconds; math.Abs(d-17) > 0.01 {
		t.Fatalf("recording covers %.2fs, want 17s", d)
	}
}

func TestDiscardDropsUtterance(t *testing.T) {
	h := newHarness(t, DefaultConfig(ModeVoice))
	h.feed(50, time.Second)
	h.p.Discard()
	if h.p.Buffered() != 0 || h.p.State().InUtterance() || h.p.State().VolumeLevel != 0 {
		t.Fatal("discard left state behind")
	}
	if h.p.Flush(ReasonManual, h.now()) {
		t.Fatal("discarded audio was flushed")
	}
}
