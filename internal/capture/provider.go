// Package capture owns microphone acquisition: platform capability checks,
// device enumeration, opening an input stream with mode-dependent
// constraints, and mapping platform failures onto a small user-facing
// error taxonomy. Everything above it consumes frames through the Stream
// interface, so the analyzer and emitter can be driven by synthetic sources.
package capture

import (
	"context"
	"time"
)

const (
	DefaultSampleRate = 48000
	DefaultFrameSize  = 4096
)

// Frame is one fixed-size block of mono float32 samples in [-1, 1].
type Frame struct {
	Samples []float32
	At      time.Time
}

// DeviceInfo describes one audio device reported by a Provider. Only
// devices with MaxInputChannels > 0 count as audio inputs.
type DeviceInfo struct {
	ID                string
	Name              string
	MaxInputChannels  int
	DefaultSampleRate float64
	IsDefault         bool
}

// Constraints are the processing options requested when opening a stream.
type Constraints struct {
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
	SampleRate       int
	FrameSize        int
	// DeviceID selects a device by ID or name; empty means the default input.
	DeviceID string
}

// DefaultConstraints returns echo cancellation and noise suppression on,
// with AGC set by the caller since the capture modes disagree on it.
func DefaultConstraints(autoGain bool) Constraints {
	return Constraints{
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  autoGain,
		SampleRate:       DefaultSampleRate,
		FrameSize:        DefaultFrameSize,
	}
}

func (c Constraints) withDefaults() Constraints {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.FrameSize <= 0 {
		c.FrameSize = DefaultFrameSize
	}
	return c
}

// Provider is the capability surface of the platform audio stack.
type Provider interface {
	// Supported reports whether the platform exposes a capture API at all.
	Supported() bool
	// InputDevices enumerates devices; callers filter on MaxInputChannels.
	InputDevices(ctx context.Context) ([]DeviceInfo, error)
	// Open requests access and starts an input stream.
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is a live input stream. Frames are delivered in capture order.
// Done is closed once the stream ends, either because Close was called or
// because the device failed, in which case Err reports why.
type Stream interface {
	Frames() <-chan Frame
	Done() <-chan struct{}
	Err() error
	// Close releases every underlying track. It is safe to call repeatedly.
	Close() error
}
