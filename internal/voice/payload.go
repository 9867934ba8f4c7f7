package voice

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Mode tags the capture configuration a payload was produced under.
type Mode string

const (
	ModeVoice     Mode = "voice"
	ModePureVoice Mode = "pure_voice"
	ModeRecorder  Mode = "recorder"
)

// ParseMode accepts the wire names plus "pure-voice" as an alias.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "voice", "":
		return ModeVoice, nil
	case "pure_voice", "pure-voice":
		return ModePureVoice, nil
	case "recorder":
		return ModeRecorder, nil
	}
	return "", fmt.Errorf("unknown capture mode %q", s)
}

// FlushReason records what committed an utterance.
type FlushReason string

const (
	ReasonSilence    FlushReason = "silence_deadline"
	ReasonMaxSpeech  FlushReason = "max_speech"
	ReasonManual     FlushReason = "manual"
	ReasonStop       FlushReason = "stop"
	ReasonEndOfInput FlushReason = "end_of_input"
)

// AudioPayload is the unit handed to a Sink. Zero or more non-final
// payloads precede exactly one final payload per utterance; the final one
// carries every fragment buffered since the previous emit.
type AudioPayload struct {
	AudioData       string  `json:"audio_data"`
	IsFinal         bool    `json:"is_final"`
	Mode            Mode    `json:"mode"`
	DurationSeconds float64 `json:"duration_seconds"`
	// SilenceDurationMs is only set on non-final payloads.
	SilenceDurationMs int64 `json:"silence_duration_ms,omitempty"`

	UtteranceID string      `json:"utterance_id"`
	Sequence    int         `json:"sequence"`
	MimeType    string      `json:"mime_type"`
	Reason      FlushReason `json:"reason,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Audio decodes AudioData.
func (p AudioPayload) Audio() ([]byte, error) {
	return base64.StdEncoding.DecodeString(p.AudioData)
}
