// Package config loads the listener configuration from YAML, applies
// environment overrides and validates every section.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/exam-voice-lab/internal/voice"
	"gopkg.in/yaml.v3"
)

// Config represents the complete listener configuration
type Config struct {
	Listener ListenerConfig `yaml:"listener"`
	Input    InputConfig    `yaml:"input"`
	Exam     ExamConfig     `yaml:"exam"`
	Control  ControlConfig  `yaml:"control"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ListenerConfig tunes segmentation. Zero values take the mode default;
// fields where zero is meaningful are pointers.
type ListenerConfig struct {
	Mode             string   `yaml:"mode"`
	SilenceThreshold *float64 `yaml:"silence_threshold"`
	RMSFloor         float64  `yaml:"rms_floor"`
	Deadline         string   `yaml:"deadline"`
	SilenceTimeoutMs int      `yaml:"silence_timeout_ms"`
	MaxSpeechMs      int      `yaml:"max_speech_ms"`
	ChunkIntervalMs  int      `yaml:"chunk_interval_ms"`
	EmitPartials     *bool    `yaml:"emit_partials"`
	FlushOnStop      *bool    `yaml:"flush_on_stop"`
	AutoGainControl  *bool    `yaml:"auto_gain_control"`
	SampleRate       int      `yaml:"sample_rate"`
	FrameSize        int      `yaml:"frame_size"`
	Device           string   `yaml:"device"`
	Encoding         string   `yaml:"encoding"`
}

// InputConfig selects the audio source
type InputConfig struct {
	// Source is "microphone" or the path of a WAV file to replay.
	Source string `yaml:"source"`
	Loop   bool   `yaml:"loop"`
}

// ExamConfig points at the exam server
type ExamConfig struct {
	ServerURL     string `yaml:"server_url"`
	ExamID        string `yaml:"exam_id"`
	Token         string `yaml:"token"`
	FallbackURL   string `yaml:"fallback_url"`
	SendTimeoutMs int    `yaml:"send_timeout_ms"`
	Retries       int    `yaml:"retries"`
	SendEndOnStop bool   `yaml:"send_end_on_stop"`
}

// ControlConfig contains the MCP control endpoint configuration
type ControlConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// MetricsConfig contains the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// ArchiveConfig controls the local copy of committed utterances
type ArchiveConfig struct {
	Dir                  string `yaml:"dir"`
	RetentionHours       int    `yaml:"retention_hours"`
	MaxFiles             int    `yaml:"max_files"`
	CleanIntervalSeconds int    `yaml:"clean_interval_seconds"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level string `yaml:"level"`
}

const SourceMicrophone = "microphone"

// Default returns a configuration that captures from the microphone in
// voice mode with every outer surface disabled.
func Default() *Config {
	return &Config{
		Listener: ListenerConfig{Mode: string(voice.ModeVoice)},
		Input:    InputConfig{Source: SourceMicrophone},
		Exam:     ExamConfig{SendTimeoutMs: 5000, Retries: 3, SendEndOnStop: true},
		Control:  ControlConfig{Address: "127.0.0.1:8765"},
		Metrics:  MetricsConfig{Address: "127.0.0.1:9464"},
		Archive:  ArchiveConfig{RetentionHours: 24, MaxFiles: 500, CleanIntervalSeconds: 60},
		Logging:  LoggingConfig{Level: "info"},
	}
}

// Load reads and parses the configuration file on top of the defaults. An
// empty path yields the defaults. Environment overrides are applied before
// validation.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. getenv is os.Getenv
// outside tests.
func (c *Config) ApplyEnv(getenv func(string) string) {
	set := func(key string, dst *string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set("LISTENER_MODE", &c.Listener.Mode)
	set("LISTENER_DEVICE", &c.Listener.Device)
	set("LISTENER_INPUT", &c.Input.Source)
	set("EXAM_SERVER_URL", &c.Exam.ServerURL)
	set("EXAM_ID", &c.Exam.ExamID)
	set("EXAM_TOKEN", &c.Exam.Token)
	set("EXAM_FALLBACK_URL", &c.Exam.FallbackURL)
	set("SAVE_AUDIO_DIR", &c.Archive.Dir)
	set("LOG_LEVEL", &c.Logging.Level)
	if v := strings.TrimSpace(getenv("SILENCE_THRESHOLD")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Listener.SilenceThreshold = &f
		}
	}
}

// Validate performs validation of every section
func (c *Config) Validate() error {
	if err := c.Listener.Validate(); err != nil {
		return fmt.Errorf("listener config: %w", err)
	}
	if err := c.Input.Validate(); err != nil {
		return fmt.Errorf("input config: %w", err)
	}
	if err := c.Exam.Validate(); err != nil {
		return fmt.Errorf("exam config: %w", err)
	}
	if c.Control.Enabled && c.Control.Address == "" {
		return fmt.Errorf("control config: address cannot be empty when enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return fmt.Errorf("metrics config: address cannot be empty when enabled")
	}
	if err := c.Archive.Validate(); err != nil {
		return fmt.Errorf("archive config: %w", err)
	}
	return nil
}

// Validate checks the listener section by building the voice config
func (l *ListenerConfig) Validate() error {
	vc, err := l.Voice()
	if err != nil {
		return err
	}
	return vc.Validate()
}

// Voice merges the section over the defaults of its mode
func (l *ListenerConfig) Voice() (voice.Config, error) {
	mode, err := voice.ParseMode(l.Mode)
	if err != nil {
		return voice.Config{}, err
	}
	vc := voice.DefaultConfig(mode)
	if l.SilenceThreshold != nil {
		vc.SilenceThreshold = *l.SilenceThreshold
	}
	if l.RMSFloor != 0 {
		vc.RMSFloor = l.RMSFloor
	}
	if l.Deadline != "" {
		vc.Deadline = voice.DeadlineStyle(l.Deadline)
	}
	if l.SilenceTimeoutMs != 0 {
		vc.SilenceTimeout = time.Duration(l.SilenceTimeoutMs) * time.Millisecond
	}
	if l.MaxSpeechMs != 0 {
		vc.MaxSpeech = time.Duration(l.MaxSpeechMs) * time.Millisecond
	}
	if l.ChunkIntervalMs != 0 {
		vc.ChunkInterval = time.Duration(l.ChunkIntervalMs) * time.Millisecond
	}
	if l.EmitPartials != nil {
		vc.EmitPartials = *l.EmitPartials
	}
	if l.FlushOnStop != nil {
		vc.FlushOnStop = *l.FlushOnStop
	}
	if l.AutoGainControl != nil {
		vc.AutoGainControl = *l.AutoGainControl
	}
	if l.SampleRate != 0 {
		vc.SampleRate = l.SampleRate
	}
	if l.FrameSize != 0 {
		vc.FrameSize = l.FrameSize
	}
	if l.Encoding != "" {
		vc.Encoding = l.Encoding
	}
	vc.DeviceID = l.Device
	return vc, nil
}

// Validate validates the input section
func (i *InputConfig) Validate() error {
	if i.Source == "" {
		return fmt.Errorf("source cannot be empty")
	}
	if i.Source != SourceMicrophone && !strings.HasSuffix(strings.ToLower(i.Source), ".wav") {
		return fmt.Errorf("source must be %q or a .wav file, got %q", SourceMicrophone, i.Source)
	}
	return nil
}

// Microphone reports whether the source is a live device
func (i *InputConfig) Microphone() bool { return i.Source == SourceMicrophone }

// Validate validates the exam section. An empty server URL disables the
// socket.
func (e *ExamConfig) Validate() error {
	if e.ServerURL != "" {
		u, err := url.Parse(e.ServerURL)
		if err != nil {
			return fmt.Errorf("invalid server_url: %w", err)
		}
		switch u.Scheme {
		case "http", "https", "ws", "wss":
		default:
			return fmt.Errorf("server_url scheme must be http(s) or ws(s), got %q", u.Scheme)
		}
		if e.ExamID == "" {
			return fmt.Errorf("exam_id is required with server_url")
		}
	}
	if e.SendTimeoutMs < 0 || e.Retries < 0 {
		return fmt.Errorf("send_timeout_ms and retries cannot be negative")
	}
	return nil
}

// Validate validates the archive section
func (a *ArchiveConfig) Validate() error {
	if a.Dir == "" {
		return nil
	}
	if a.RetentionHours < 0 || a.MaxFiles < 0 {
		return fmt.Errorf("retention_hours and max_files cannot be negative")
	}
	if a.CleanIntervalSeconds < 1 {
		return fmt.Errorf("clean_interval_seconds must be at least 1, got %d", a.CleanIntervalSeconds)
	}
	return nil
}
