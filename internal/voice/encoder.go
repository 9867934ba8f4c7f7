package voice

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

const (
	EncodingPCM  = "pcm"
	EncodingOpus = "opus"
)

// Encoder turns raw samples into fragments on demand and packages a run of
// fragments into one container.
type Encoder interface {
	// Write queues samples for the next fragment.
	Write(samples []float32) error
	// Cut returns queued audio as one fragment together with the number of
	// written samples it covers. A codec with a fixed frame size keeps a
	// trailing partial frame queued for the next Cut; final pads and emits
	// it. The fragment is nil when nothing could be encoded.
	Cut(final bool) ([]byte, int, error)
	// Package joins fragments, in order, into one container.
	Package(fragments [][]byte) ([]byte, error)
	// Reset drops queued samples.
	Reset()
	MimeType() string
	FragmentMimeType() string
}

// NewEncoder builds the encoder named by encoding.
func NewEncoder(encoding string, sampleRate int) (Encoder, error) {
	switch encoding {
	case EncodingPCM, "":
		return &PCMEncoder{SampleRate: sampleRate}, nil
	case EncodingOpus:
		return NewOpusEncoder(sampleRate)
	}
	return nil, fmt.Errorf("unknown encoding %q", encoding)
}

// PCMEncoder produces 16-bit little-endian PCM fragments and packages them
// as a mono WAV file.
type PCMEncoder struct {
	SampleRate int
	pending    []byte
}

func (e *PCMEncoder) Write(samples []float32) error {
	for _, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		e.pending = binary.LittleEndian.AppendUint16(e.pending, uint16(int16(v*32767)))
	}
	return nil
}

func (e *PCMEncoder) Cut(final bool) ([]byte, int, error) {
	if len(e.pending) == 0 {
		return nil, 0, nil
	}
	out := e.pending
	e.pending = nil
	return out, len(out) / 2, nil
}

func (e *PCMEncoder) Package(fragments [][]byte) ([]byte, error) {
	n := 0
	for _, f := range fragments {
		n += len(f)
	}
	pcm := make([]byte, 0, n)
	for _, f := range fragments {
		pcm = append(pcm, f...)
	}
	return buildWAV(pcm, e.SampleRate, 1, 16), nil
}

func (e *PCMEncoder) Reset() { e.pending = nil }

func (e *PCMEncoder) MimeType() string { return "audio/wav" }

func (e *PCMEncoder) FragmentMimeType() string {
	return fmt.Sprintf("audio/L16;rate=%d;channels=1", e.SampleRate)
}

// buildWAV prefixes 16-bit PCM with a canonical 44-byte RIFF/WAVE header.
func buildWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(pcm)))
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}
