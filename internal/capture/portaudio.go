//go:build portaudio

package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/exam-voice-lab/internal/logging"
	"github.com/gordonklaus/portaudio"
)

// PortAudioProvider captures from a local input device through PortAudio.
// Echo cancellation and noise suppression are not available from PortAudio
// and are ignored; auto gain control is applied in software.
type PortAudioProvider struct{}

func NewPortAudioProvider() *PortAudioProvider { return &PortAudioProvider{} }

func (p *PortAudioProvider) Supported() bool {
	if err := portaudio.Initialize(); err != nil {
		logging.Debugw("capture: portaudio init failed", "err", err)
		return false
	}
	portaudio.Terminate()
	return true
}

func (p *PortAudioProvider) InputDevices(ctx context.Context) ([]DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	defer portaudio.Terminate()
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	def, _ := portaudio.DefaultInputDevice()
	out := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		out = append(out, DeviceInfo{
			ID:                d.Name,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
			IsDefault:         def != nil && def.Name == d.Name,
		})
	}
	return out, nil
}

func (p *PortAudioProvider) Open(ctx context.Context, c Constraints) (Stream, error) {
	c = c.withDefaults()
	if err := portaudio.Initialize(); err != nil {
		return nil, mapPortAudioErr(err)
	}
	dev, err := pickDevice(c.DeviceID)
	if err != nil {
		portaudio.Terminate()
		return nil, err
	}
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(c.SampleRate)
	params.FramesPerBuffer = c.FrameSize

	buf := make([]float32, c.FrameSize)
	st, err := portaudio.OpenStream(params, buf)
	if err != nil {
		portaudio.Terminate()
		return nil, mapPortAudioErr(err)
	}
	if err := st.Start(); err != nil {
		st.Close()
		portaudio.Terminate()
		return nil, mapPortAudioErr(err)
	}
	s := &paStream{streamCore: newStreamCore(4), st: st, buf: buf}
	if c.AutoGainControl {
		s.agc = NewAutoGain()
	}
	go s.run()
	return s, nil
}

func pickDevice(id string) (*portaudio.DeviceInfo, error) {
	if id == "" {
		d, err := portaudio.DefaultInputDevice()
		if err != nil {
			return nil, mapPortAudioErr(err)
		}
		return d, nil
	}
	devs, err := portaudio.Devices()
	if err != nil {
		return nil, mapPortAudioErr(err)
	}
	for _, d := range devs {
		if d.Name == id && d.MaxInputChannels > 0 {
			return d, nil
		}
	}
	return nil, &Error{Kind: KindDeviceNotFound, Detail: id, Err: ErrDeviceNotFound}
}

func mapPortAudioErr(err error) error {
	var pe portaudio.Error
	if errors.As(err, &pe) {
		switch pe {
		case portaudio.DeviceUnavailable:
			return &Error{Kind: KindDeviceBusy, Detail: pe.Error(), Err: err}
		case portaudio.InvalidDevice:
			return &Error{Kind: KindDeviceNotFound, Detail: pe.Error(), Err: err}
		}
	}
	return err
}

type paStream struct {
	*streamCore
	st  *portaudio.Stream
	buf []float32
	agc *AutoGain
}

// Close ends the stream; the read loop owns the PortAudio handle and
// releases it on exit.
func (s *paStream) Close() error {
	s.end(nil)
	return nil
}

func (s *paStream) run() {
	defer func() {
		_ = s.st.Stop()
		_ = s.st.Close()
		portaudio.Terminate()
	}()
	for {
		select {
		case <-s.done:
			return
		default:
		}
		if err := s.st.Read(); err != nil {
			if errors.Is(err, portaudio.InputOverflowed) {
				logging.Debugw("capture: input overflow", "err", err)
			} else {
				s.end(fmt.Errorf("portaudio read: %w", mapPortAudioErr(err)))
				return
			}
		}
		frame := make([]float32, len(s.buf))
		copy(frame, s.buf)
		if s.agc != nil {
			s.agc.Process(frame)
		}
		if !s.deliver(Frame{Samples: frame, At: time.Now()}) {
			return
		}
	}
}
