// Package transport delivers payloads to the exam server, over its
// websocket or over plain HTTP, and decodes what the server sends back.
package transport

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/exam-voice-lab/internal/voice"
)

// Server message types.
const (
	TypeQuestion     = "question"
	TypeExamComplete = "exam_complete"
	TypeError        = "error"
)

// audioChunk is the outbound envelope for one payload.
type audioChunk struct {
	Type            string     `json:"type"`
	Audio           string     `json:"audio"`
	IsFinal         bool       `json:"is_final"`
	Mode            voice.Mode `json:"mode"`
	Duration        float64    `json:"duration"`
	SilenceDuration int64      `json:"silence_duration,omitempty"`
	UtteranceID     string     `json:"utterance_id"`
	Sequence        int        `json:"sequence"`
	MimeType        string     `json:"mime_type,omitempty"`
	Reason          string     `json:"reason,omitempty"`
}

func encodeChunk(p voice.AudioPayload) ([]byte, error) {
	return json.Marshal(audioChunk{
		Type:            "audio_chunk",
		Audio:           p.AudioData,
		IsFinal:         p.IsFinal,
		Mode:            p.Mode,
		Duration:        p.DurationSeconds,
		SilenceDuration: p.SilenceDurationMs,
		UtteranceID:     p.UtteranceID,
		Sequence:        p.Sequence,
		MimeType:        p.MimeType,
		Reason:          string(p.Reason),
	})
}

var endExamFrame = []byte(`{"type":"end_exam"}`)

// ServerMessage is one message from the exam server. Errors arrive either
// typed or as a bare {"error": "..."} object; both decode to TypeError.
type ServerMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Audio   string `json:"audio,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

func decodeServerMessage(data []byte) (ServerMessage, error) {
	var m ServerMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("decode server message: %w", err)
	}
	if m.Type == "" && m.Error != "" {
		m.Type = TypeError
	}
	if m.Type == TypeError && m.Error == "" {
		m.Error = m.Message
	}
	return m, nil
}

// ExamURL builds the exam socket URL from the API base URL, rewriting
// http(s) to ws(s).
func ExamURL(base, examID, token string, mode voice.Mode) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid exam server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported exam server scheme %q", u.Scheme)
	}
	u.Path = u.Path + "/api/exams/ws/" + url.PathEscape(examID)
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	q.Set("mode", string(mode))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// redactToken masks the token query parameter for logging.
func redactToken(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	q := u.Query()
	if q.Get("token") != "" {
		q.Set("token", "<redacted>")
		u.RawQuery = q.Encode()
	}
	return u.String()
}
