//go:build !portaudio

package capture

import "context"

// PortAudioProvider is unavailable in builds without the portaudio tag.
type PortAudioProvider struct{}

func NewPortAudioProvider() *PortAudioProvider { return &PortAudioProvider{} }

func (p *PortAudioProvider) Supported() bool { return false }

func (p *PortAudioProvider) InputDevices(ctx context.Context) ([]DeviceInfo, error) {
	return nil, nil
}

func (p *PortAudioProvider) Open(ctx context.Context, c Constraints) (Stream, error) {
	return nil, ErrUnsupportedPlatform
}
