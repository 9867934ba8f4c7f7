package capture

import (
	"encoding/binary"
	"fmt"
)

// WAVInfo is the format of a decoded WAV file.
type WAVInfo struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// DecodeWAV parses a RIFF/WAVE file holding 16-bit PCM and returns mono
// float32 samples (channels are averaged). Unknown chunks are skipped.
func DecodeWAV(data []byte) ([]float32, WAVInfo, error) {
	var info WAVInfo
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, info, fmt.Errorf("not a RIFF/WAVE file")
	}
	var pcm []byte
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		end := body + size
		if end > len(data) {
			end = len(data)
		}
		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, info, fmt.Errorf("fmt chunk too short: %d bytes", end-body)
			}
			format := binary.LittleEndian.Uint16(data[body : body+2])
			if format != 1 {
				return nil, info, fmt.Errorf("unsupported WAV format %d, want PCM", format)
			}
			info.Channels = int(binary.LittleEndian.Uint16(data[body+2 : body+4]))
			info.SampleRate = int(binary.LittleEndian.Uint32(data[body+4 : body+8]))
			info.BitsPerSample = int(binary.LittleEndian.Uint16(data[body+14 : body+16]))
		case "data":
			pcm = data[body:end]
		}
		// chunks are word aligned
		off = body + size + size%2
	}
	if info.SampleRate == 0 {
		return nil, info, fmt.Errorf("missing fmt chunk")
	}
	if info.BitsPerSample != 16 {
		return nil, info, fmt.Errorf("unsupported bit depth %d, want 16", info.BitsPerSample)
	}
	if info.Channels < 1 {
		return nil, info, fmt.Errorf("invalid channel count %d", info.Channels)
	}
	frameBytes := 2 * info.Channels
	n := len(pcm) / frameBytes
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		var sum float32
		for ch := 0; ch < info.Channels; ch++ {
			p := i*frameBytes + ch*2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[p:p+2]))) / 32768
		}
		out[i] = sum / float32(info.Channels)
	}
	return out, info, nil
}
