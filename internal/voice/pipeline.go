package voice

import (
	"encoding/base64"
	"time"

	"github.com/exam-voice-lab/internal/capture"
	"github.com/exam-voice-lab/internal/logging"
)

// Pipeline is the segmentation core: analyzer, emitter and the utterance
// deadline, driven entirely by the timestamps it is given. It is not safe
// for concurrent use; Listener serializes every call on its event loop.
type Pipeline struct {
	cfg      Config
	analyzer *Analyzer
	emitter  *Emitter
	deadline deadline

	sink      Sink
	onSilence func()
	obs       Observer
}

// PipelineOptions wires a Pipeline to the outside. Sink is required.
type PipelineOptions struct {
	Sink              Sink
	OnSilenceDetected func()
	Observer          Observer
}

func NewPipeline(cfg Config, enc Encoder, opts PipelineOptions) *Pipeline {
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	sink := opts.Sink
	if sink == nil {
		sink = SinkFunc(func(AudioPayload) {})
	}
	return &Pipeline{
		cfg:       cfg,
		analyzer:  NewAnalyzer(cfg.SilenceThreshold, cfg.RMSFloor),
		emitter:   NewEmitter(enc, cfg.Mode, cfg.SampleRate),
		sink:      sink,
		onSilence: opts.OnSilenceDetected,
		obs:       obs,
	}
}

// Frame processes one captured frame. A deadline that fell due before the
// frame was captured fires first, so the frame opens the next utterance.
func (p *Pipeline) Frame(f capture.Frame) {
	now := f.At
	p.Expire(now)

	if err := p.emitter.Write(f.Samples); err != nil {
		logging.Warnw("voice: encoder write failed", "mode", p.cfg.Mode, "err", err)
	}
	c := p.analyzer.Process(f.Samples, now)
	p.obs.FrameAnalyzed(p.cfg.Mode, c.Volume, c.Speech)

	switch {
	case c.UtteranceStarted:
		switch p.cfg.Deadline {
		case DeadlineMaxSpeech:
			p.deadline.arm(ReasonMaxSpeech, now.Add(p.cfg.MaxSpeech))
		case DeadlineSilence:
			p.deadline.cancel()
		}
		logging.Debugw("voice: speech started", "mode", p.cfg.Mode, "volume", c.Volume)
	case c.SpeechResumed:
		if p.cfg.Deadline == DeadlineSilence {
			p.deadline.cancel()
		}
	case c.SilenceOnset:
		if p.onSilence != nil {
			p.onSilence()
		}
		if p.cfg.Deadline == DeadlineSilence && p.analyzer.State().InUtterance() {
			p.deadline.arm(ReasonSilence, now.Add(p.cfg.SilenceTimeout))
		}
	}
}

// Cut runs one cadence tick: the encoder output since the previous tick
// becomes a buffered fragment, surfaced as a partial when enabled.
func (p *Pipeline) Cut(now time.Time) {
	part, ok, err := p.emitter.Cut(now, p.analyzer.State().SilenceElapsed)
	if err != nil {
		logging.Warnw("voice: fragment cut failed", "mode", p.cfg.Mode, "err", err)
		return
	}
	if ok && p.cfg.EmitPartials {
		p.emit(part)
	}
}

// Expire fires the deadline if it is due at now. Speech tracking is reset
// even when there was nothing to emit.
func (p *Pipeline) Expire(now time.Time) bool {
	if !p.deadline.due(now) {
		return false
	}
	reason := p.deadline.reason
	p.deadline.cancel()
	p.obs.DeadlineFired(p.cfg.Mode, reason)
	logging.Debugw("voice: deadline fired", "mode", p.cfg.Mode, "reason", reason)
	if !p.Flush(reason, now) {
		p.analyzer.ResetSpeech()
	}
	return true
}

// Flush commits the buffered utterance as a final payload. It reports
// whether a payload was emitted; an empty buffer is a no-op.
func (p *Pipeline) Flush(reason FlushReason, now time.Time) bool {
	payload, ok, err := p.emitter.Flush(reason, now)
	if err != nil {
		logging.Warnw("voice: flush failed", "mode", p.cfg.Mode, "reason", reason, "err", err)
	}
	if !ok {
		return false
	}
	p.deadline.cancel()
	p.analyzer.ResetSpeech()
	p.emit(payload)
	return true
}

// Discard drops unflushed audio and resets every piece of state.
func (p *Pipeline) Discard() {
	p.deadline.cancel()
	p.emitter.Discard()
	p.analyzer.Reset()
}

// Deadline returns when the armed deadline falls due.
func (p *Pipeline) Deadline() (time.Time, bool) {
	return p.deadline.at, p.deadline.armed
}

func (p *Pipeline) State() AnalyzerState { return p.analyzer.State() }

// Buffered returns how much audio the current utterance holds.
func (p *Pipeline) Buffered() time.Duration { return p.emitter.Buffered() }

func (p *Pipeline) emit(payload AudioPayload) {
	n := base64.StdEncoding.DecodedLen(len(payload.AudioData))
	p.obs.PayloadEmitted(payload, n)
	if payload.IsFinal {
		fields := logging.PayloadFields(payload.UtteranceID, payload.Sequence, true, n, int(payload.DurationSeconds*1000))
		logging.Infow("voice: utterance committed", append(fields, "reason", payload.Reason, "mode", payload.Mode)...)
	}
	p.sink.HandleAudio(payload)
}
