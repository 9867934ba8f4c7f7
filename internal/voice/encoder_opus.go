//go:build opus

package voice

import (
	"encoding/binary"
	"fmt"

	"github.com/hraban/opus"
)

// OpusEncoder encodes 20ms Opus packets. Fragments and containers are a
// stream of packets, each prefixed with its big-endian uint16 length.
type OpusEncoder struct {
	enc       *opus.Encoder
	frameSize int
	pending   []float32
	packet    []byte
}

func NewOpusEncoder(sampleRate int) (Encoder, error) {
	enc, err := opus.NewEncoder(sampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc, frameSize: sampleRate / 50, packet: make([]byte, 4000)}, nil
}

func (e *OpusEncoder) Write(samples []float32) error {
	e.pending = append(e.pending, samples...)
	return nil
}

// Cut encodes every whole 20ms frame queued. The remainder waits for the
// next Cut unless final is set, in which case it is zero padded into one
// more packet.
func (e *OpusEncoder) Cut(final bool) ([]byte, int, error) {
	queued := len(e.pending)
	whole := queued - queued%e.frameSize
	covered := whole
	if final && whole < queued {
		e.pending = append(e.pending, make([]float32, e.frameSize-(queued-whole))...)
		whole = len(e.pending)
		covered = queued
	}
	if whole == 0 {
		return nil, 0, nil
	}
	var out []byte
	for off := 0; off < whole; off += e.frameSize {
		n, err := e.enc.EncodeFloat32(e.pending[off:off+e.frameSize], e.packet)
		if err != nil {
			e.pending = nil
			return nil, 0, fmt.Errorf("opus encode: %w", err)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(n))
		out = append(out, e.packet[:n]...)
	}
	e.pending = append(e.pending[:0], e.pending[whole:]...)
	return out, covered, nil
}

func (e *OpusEncoder) Package(fragments [][]byte) ([]byte, error) {
	var out []byte
	for _, f := range fragments {
		out = append(out, f...)
	}
	return out, nil
}

func (e *OpusEncoder) Reset() { e.pending = nil }

func (e *OpusEncoder) MimeType() string         { return "audio/x-opus-lp" }
func (e *OpusEncoder) FragmentMimeType() string { return "audio/x-opus-lp" }
