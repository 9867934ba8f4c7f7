package capture

import (
	"context"
	"sync"
)

// SyntheticProvider is an in-memory Provider. The zero value is supported
// but has no devices; set Devices (see SyntheticMicrophone) to allow opens.
type SyntheticProvider struct {
	Unsupported  bool
	Devices      []DeviceInfo
	EnumerateErr error
	OpenErr      error
	// NewStream overrides stream creation; by default each Open returns a
	// fresh unbuffered ManualStream.
	NewStream func(c Constraints) Stream

	mu      sync.Mutex
	opens   int
	last    Constraints
	streams []Stream
}

// SyntheticMicrophone is a single default input device.
func SyntheticMicrophone() []DeviceInfo {
	return []DeviceInfo{{ID: "synthetic-0", Name: "synthetic microphone", MaxInputChannels: 1, DefaultSampleRate: DefaultSampleRate, IsDefault: true}}
}

func (p *SyntheticProvider) Supported() bool { return !p.Unsupported }

func (p *SyntheticProvider) InputDevices(ctx context.Context) ([]DeviceInfo, error) {
	if p.EnumerateErr != nil {
		return nil, p.EnumerateErr
	}
	return append([]DeviceInfo(nil), p.Devices...), nil
}

func (p *SyntheticProvider) Open(ctx context.Context, c Constraints) (Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opens++
	p.last = c
	if p.OpenErr != nil {
		return nil, p.OpenErr
	}
	var s Stream
	if p.NewStream != nil {
		s = p.NewStream(c)
	} else {
		s = NewManualStream(0)
	}
	p.streams = append(p.streams, s)
	return s, nil
}

// Opens reports how many times Open was called.
func (p *SyntheticProvider) Opens() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opens
}

// LastConstraints returns the constraints passed to the latest Open.
func (p *SyntheticProvider) LastConstraints() Constraints {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// LastStream returns the most recently opened stream as a ManualStream, or
// nil when none was opened or a custom NewStream produced another type.
func (p *SyntheticProvider) LastStream() *ManualStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.streams) == 0 {
		return nil
	}
	ms, _ := p.streams[len(p.streams)-1].(*ManualStream)
	return ms
}
