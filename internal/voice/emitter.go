package voice

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// chunkBuffer is the ordered run of fragments since the last emit. It is
// only appended to, and take empties it in one step.
type chunkBuffer struct {
	fragments [][]byte
	samples   int
}

func (b *chunkBuffer) append(fragment []byte, samples int) {
	b.fragments = append(b.fragments, fragment)
	b.samples += samples
}

func (b *chunkBuffer) len() int { return len(b.fragments) }

func (b *chunkBuffer) take() ([][]byte, int) {
	f, n := b.fragments, b.samples
	b.fragments, b.samples = nil, 0
	return f, n
}

// Emitter buffers encoder fragments and builds payloads from them.
type Emitter struct {
	enc        Encoder
	mode       Mode
	sampleRate int

	buf     chunkBuffer
	pending int // samples written but not yet in a fragment

	utteranceID string
	seq         int
}

func NewEmitter(enc Encoder, mode Mode, sampleRate int) *Emitter {
	return &Emitter{enc: enc, mode: mode, sampleRate: sampleRate, utteranceID: uuid.NewString()}
}

// Write feeds captured samples to the encoder.
func (e *Emitter) Write(samples []float32) error {
	if err := e.enc.Write(samples); err != nil {
		return err
	}
	e.pending += len(samples)
	return nil
}

// Len returns the number of buffered fragments.
func (e *Emitter) Len() int { return e.buf.len() }

// Buffered returns the audio held in the buffer and the encoder.
func (e *Emitter) Buffered() time.Duration {
	return e.duration(e.buf.samples + e.pending)
}

func (e *Emitter) duration(samples int) time.Duration {
	if e.sampleRate <= 0 {
		return 0
	}
	return time.Duration(samples) * time.Second / time.Duration(e.sampleRate)
}

// Cut closes the current fragment and appends it to the buffer. The
// returned payload is the fragment as a non-final chunk; ok is false when
// nothing was pending.
func (e *Emitter) Cut(now time.Time, silence time.Duration) (AudioPayload, bool, error) {
	frag, samples, err := e.enc.Cut(false)
	if err != nil {
		e.pending = 0
		return AudioPayload{}, false, fmt.Errorf("cut fragment: %w", err)
	}
	e.pending -= samples
	if len(frag) == 0 {
		return AudioPayload{}, false, nil
	}
	e.buf.append(frag, samples)
	p := AudioPayload{
		AudioData:         base64.StdEncoding.EncodeToString(frag),
		Mode:              e.mode,
		DurationSeconds:   e.duration(samples).Seconds(),
		SilenceDurationMs: silence.Milliseconds(),
		UtteranceID:       e.utteranceID,
		Sequence:          e.seq,
		MimeType:          e.enc.FragmentMimeType(),
		CreatedAt:         now,
	}
	e.seq++
	return p, true, nil
}

// Flush packages every buffered fragment into one final payload and
// clears the buffer. Pending encoder audio is cut first so nothing written
// before the call is lost. With nothing buffered it returns ok=false and
// changes nothing.
func (e *Emitter) Flush(reason FlushReason, now time.Time) (AudioPayload, bool, error) {
	if e.pending > 0 {
		frag, samples, err := e.enc.Cut(true)
		e.pending = 0
		if err != nil {
			return AudioPayload{}, false, fmt.Errorf("cut fragment: %w", err)
		}
		if len(frag) > 0 {
			e.buf.append(frag, samples)
		}
	}
	if e.buf.len() == 0 {
		return AudioPayload{}, false, nil
	}
	frags, samples := e.buf.take()
	data, err := e.enc.Package(frags)
	if err != nil {
		e.nextUtterance()
		return AudioPayload{}, false, fmt.Errorf("package utterance: %w", err)
	}
	p := AudioPayload{
		AudioData:       base64.StdEncoding.EncodeToString(data),
		IsFinal:         true,
		Mode:            e.mode,
		DurationSeconds: e.duration(samples).Seconds(),
		UtteranceID:     e.utteranceID,
		Sequence:        e.seq,
		MimeType:        e.enc.MimeType(),
		Reason:          reason,
		CreatedAt:       now,
	}
	e.nextUtterance()
	return p, true, nil
}

// Discard drops buffered and pending audio.
func (e *Emitter) Discard() {
	e.enc.Reset()
	e.buf.take()
	e.pending = 0
	e.nextUtterance()
}

func (e *Emitter) nextUtterance() {
	e.utteranceID = uuid.NewString()
	e.seq = 0
}
