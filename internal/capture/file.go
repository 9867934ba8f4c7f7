package capture

import (
	"context"
	"fmt"
	"os"
	"time"
)

// FileProvider replays a 16-bit PCM WAV file as if it were a microphone.
// Frames are paced in real time unless Unpaced is set. When the file is
// exhausted the stream ends with a nil error, unless Loop is set.
type FileProvider struct {
	Path    string
	Loop    bool
	Unpaced bool
}

func (p *FileProvider) Supported() bool { return p.Path != "" }

func (p *FileProvider) InputDevices(ctx context.Context) ([]DeviceInfo, error) {
	st, err := os.Stat(p.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if st.IsDir() {
		return nil, nil
	}
	return []DeviceInfo{{ID: "file:" + p.Path, Name: p.Path, MaxInputChannels: 1, IsDefault: true}}, nil
}

func (p *FileProvider) Open(ctx context.Context, c Constraints) (Stream, error) {
	data, err := os.ReadFile(p.Path)
	if err != nil {
		if os.IsPermission(err) {
			return nil, &Error{Kind: KindPermissionDenied, Detail: p.Path, Err: err}
		}
		if os.IsNotExist(err) {
			return nil, &Error{Kind: KindDeviceNotFound, Detail: p.Path, Err: err}
		}
		return nil, err
	}
	samples, info, err := DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", p.Path, err)
	}
	c = c.withDefaults()
	s := &fileStream{
		streamCore: newStreamCore(1),
		samples:    samples,
		frameSize:  c.FrameSize,
		loop:       p.Loop,
	}
	if c.AutoGainControl {
		s.agc = NewAutoGain()
	}
	if !p.Unpaced {
		s.interval = time.Duration(float64(c.FrameSize) / float64(info.SampleRate) * float64(time.Second))
	}
	go s.run()
	return s, nil
}

type fileStream struct {
	*streamCore
	samples   []float32
	frameSize int
	loop      bool
	interval  time.Duration
	agc       *AutoGain
}

func (s *fileStream) Close() error {
	s.end(nil)
	return nil
}

func (s *fileStream) run() {
	var tick <-chan time.Time
	if s.interval > 0 {
		t := time.NewTicker(s.interval)
		defer t.Stop()
		tick = t.C
	}
	pos := 0
	for {
		if pos >= len(s.samples) {
			if !s.loop || len(s.samples) == 0 {
				s.end(nil)
				return
			}
			pos = 0
		}
		if tick != nil {
			select {
			case <-tick:
			case <-s.done:
				return
			}
		}
		end := pos + s.frameSize
		if end > len(s.samples) {
			end = len(s.samples)
		}
		buf := make([]float32, end-pos)
		copy(buf, s.samples[pos:end])
		pos = end
		if s.agc != nil {
			s.agc.Process(buf)
		}
		if !s.deliver(Frame{Samples: buf, At: time.Now()}) {
			return
		}
	}
}
