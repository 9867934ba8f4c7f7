package voice

import (
	"fmt"
	"time"

	"github.com/exam-voice-lab/internal/capture"
)

// DeadlineStyle selects which utterance deadline a mode arms.
type DeadlineStyle string

const (
	// DeadlineSilence commits an utterance after a pause.
	DeadlineSilence DeadlineStyle = "silence"
	// DeadlineMaxSpeech commits an utterance a fixed time after speech
	// started, whether or not the speaker paused.
	DeadlineMaxSpeech DeadlineStyle = "max_speech"
	DeadlineNone      DeadlineStyle = "none"
)

// Config drives one Listener. Use DefaultConfig and override fields.
type Config struct {
	Mode Mode

	// SilenceThreshold is compared against the 0-100 volume; frames above
	// it are speech.
	SilenceThreshold float64
	// RMSFloor bounds the dB conversion from below.
	RMSFloor float64

	Deadline       DeadlineStyle
	SilenceTimeout time.Duration
	MaxSpeech      time.Duration

	// ChunkInterval is the encoder cadence.
	ChunkInterval time.Duration
	// EmitPartials surfaces every cadence fragment as a non-final payload.
	EmitPartials bool
	// FlushOnStop commits buffered audio on Stop instead of discarding it.
	FlushOnStop bool

	AutoGainControl bool
	SampleRate      int
	FrameSize       int
	DeviceID        string

	// Encoding is "pcm" or "opus".
	Encoding string
}

const (
	DefaultRMSFloor       = 1e-5
	DefaultChunkInterval  = 500 * time.Millisecond
	DefaultSilenceTimeout = 2 * time.Second
	DefaultMaxSpeech      = 10 * time.Second
)

// DefaultConfig returns the settings for a capture mode.
func DefaultConfig(mode Mode) Config {
	c := Config{
		Mode:           mode,
		RMSFloor:       DefaultRMSFloor,
		SilenceTimeout: DefaultSilenceTimeout,
		MaxSpeech:      DefaultMaxSpeech,
		ChunkInterval:  DefaultChunkInterval,
		SampleRate:     capture.DefaultSampleRate,
		FrameSize:      capture.DefaultFrameSize,
		Encoding:       EncodingPCM,
	}
	switch mode {
	case ModePureVoice:
		c.SilenceThreshold = 25
		c.Deadline = DeadlineMaxSpeech
		c.EmitPartials = true
		c.AutoGainControl = true
	case ModeRecorder:
		c.SilenceThreshold = 30
		c.Deadline = DeadlineNone
		c.AutoGainControl = true
		c.FlushOnStop = true
	default:
		c.Mode = ModeVoice
		c.SilenceThreshold = 30
		c.Deadline = DeadlineSilence
		c.EmitPartials = true
	}
	return c
}

func (c Config) Validate() error {
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.SilenceThreshold < 0 || c.SilenceThreshold > 100 {
		return fmt.Errorf("silence threshold %.1f outside 0-100", c.SilenceThreshold)
	}
	switch c.Deadline {
	case DeadlineSilence:
		if c.SilenceTimeout <= 0 {
			return fmt.Errorf("silence timeout must be positive")
		}
	case DeadlineMaxSpeech:
		if c.MaxSpeech <= 0 {
			return fmt.Errorf("max speech duration must be positive")
		}
	case DeadlineNone:
	default:
		return fmt.Errorf("unknown deadline style %q", c.Deadline)
	}
	if c.ChunkInterval <= 0 {
		return fmt.Errorf("chunk interval must be positive")
	}
	if c.SampleRate <= 0 || c.FrameSize <= 0 {
		return fmt.Errorf("sample rate and frame size must be positive")
	}
	if c.Encoding != EncodingPCM && c.Encoding != EncodingOpus {
		return fmt.Errorf("unknown encoding %q", c.Encoding)
	}
	return nil
}

// Constraints returns the acquisition constraints for this mode. Only the
// manual voice mode captures without AGC.
func (c Config) Constraints() capture.Constraints {
	cc := capture.DefaultConstraints(c.AutoGainControl)
	cc.SampleRate = c.SampleRate
	cc.FrameSize = c.FrameSize
	cc.DeviceID = c.DeviceID
	return cc
}
