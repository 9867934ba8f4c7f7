//go:build !opus

package voice

import "errors"

// ErrOpusUnavailable is returned when the binary was built without libopus.
var ErrOpusUnavailable = errors.New("opus encoding requires a build with the opus tag")

func NewOpusEncoder(sampleRate int) (Encoder, error) {
	return nil, ErrOpusUnavailable
}
