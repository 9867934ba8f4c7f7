package capture

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/exam-voice-lab/internal/logging"
	"github.com/google/uuid"
)

// Session is one open microphone acquisition. It owns its stream
// exclusively; only Release may stop it.
type Session struct {
	ID        string
	StartedAt time.Time

	stream     Stream
	active     atomic.Bool
	once       sync.Once
	releaseErr error
}

// Stream returns the live stream owned by the session.
func (s *Session) Stream() Stream { return s.stream }

// Active reports whether the session still holds its stream.
func (s *Session) Active() bool { return s.active.Load() }

// Release stops every track. Later calls are no-ops and return the result
// of the first.
func (s *Session) Release() error {
	s.once.Do(func() {
		s.active.Store(false)
		s.releaseErr = s.stream.Close()
		logging.Debugw("capture: session released", "session.id", s.ID, "held_ms", time.Since(s.StartedAt).Milliseconds(), "err", s.releaseErr)
	})
	return s.releaseErr
}

// Acquire checks platform capability, requires at least one audio input,
// and opens a stream with the given constraints. On failure no stream is
// left open and the returned error is a *Error.
func Acquire(ctx context.Context, p Provider, c Constraints) (*Session, error) {
	if p == nil || !p.Supported() {
		return nil, &Error{Kind: KindUnsupportedPlatform, Err: ErrUnsupportedPlatform}
	}
	c = c.withDefaults()

	devices, err := p.InputDevices(ctx)
	if err != nil {
		// Enumeration can fail before permission is granted; let Open decide.
		logging.Debugw("capture: device enumeration failed", "err", err)
	} else if CountInputs(devices) == 0 {
		return nil, &Error{Kind: KindNoDeviceFound, Err: ErrNoDeviceFound}
	}

	stream, err := p.Open(ctx, c)
	if err != nil {
		ce := Classify(err)
		logging.Warnw("capture: open failed", "kind", ce.Kind.String(), "err", err)
		return nil, ce
	}
	if stream == nil {
		return nil, &Error{Kind: KindUnknown, Detail: "provider returned no stream"}
	}
	if err := ctx.Err(); err != nil {
		_ = stream.Close()
		return nil, Classify(err)
	}

	s := &Session{ID: uuid.NewString(), StartedAt: time.Now(), stream: stream}
	s.active.Store(true)
	logging.Infow("capture: session acquired", "session.id", s.ID, "agc", c.AutoGainControl, "sample_rate", c.SampleRate, "frame_size", c.FrameSize)
	return s, nil
}

// Probe runs the full acquisition path as a permission pre-check and
// releases the stream immediately.
func Probe(ctx context.Context, p Provider, c Constraints) error {
	s, err := Acquire(ctx, p, c)
	if err != nil {
		return err
	}
	return s.Release()
}

// CountInputs returns the number of devices able to record.
func CountInputs(devices []DeviceInfo) int {
	n := 0
	for _, d := range devices {
		if d.MaxInputChannels > 0 {
			n++
		}
	}
	return n
}
