package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/exam-voice-lab/internal/voice"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"LISTENER_MODE", "LISTENER_DEVICE", "LISTENER_INPUT", "EXAM_SERVER_URL", "EXAM_ID", "EXAM_TOKEN", "EXAM_FALLBACK_URL", "SAVE_AUDIO_DIR", "LOG_LEVEL", "SILENCE_THRESHOLD"} {
		t.Setenv(k, "")
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		errorMsg string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name: "wav input with exam server",
			mutate: func(c *Config) {
				c.Input.Source = "fixtures/answer.WAV"
				c.Exam.ServerURL = "https://exam.example.com"
				c.Exam.ExamID = "42"
			},
		},
		{
			name:     "unknown mode",
			mutate:   func(c *Config) { c.Listener.Mode = "whisper" },
			errorMsg: "listener config",
		},
		{
			name:     "threshold out of range",
			mutate:   func(c *Config) { c.Listener.SilenceThreshold = threshold(140) },
			errorMsg: "silence threshold",
		},
		{
			name:     "mp3 input",
			mutate:   func(c *Config) { c.Input.Source = "answer.mp3" },
			errorMsg: "input config",
		},
		{
			name:     "server without exam id",
			mutate:   func(c *Config) { c.Exam.ServerURL = "wss://exam.example.com" },
			errorMsg: "exam_id is required",
		},
		{
			name:     "ftp server",
			mutate:   func(c *Config) { c.Exam.ServerURL = "ftp://exam.example.com"; c.Exam.ExamID = "1" },
			errorMsg: "scheme",
		},
		{
			name:     "control without address",
			mutate:   func(c *Config) { c.Control.Enabled = true; c.Control.Address = "" },
			errorMsg: "control config",
		},
		{
			name:     "archive without interval",
			mutate:   func(c *Config) { c.Archive.Dir = "/tmp/a"; c.Archive.CleanIntervalSeconds = 0 },
			errorMsg: "clean_interval_seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
				t.Fatalf("want error containing %q, got %v", tt.errorMsg, err)
			}
		})
	}
}

func TestLoadMergesModeDefaults(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "listener.yaml")
	yml := `
listener:
  mode: pure_voice
  max_speech_ms: 8000
  emit_partials: false
exam:
  server_url: http://localhost:8000
  exam_id: abc
archive:
  dir: /var/lib/exam-listener
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	vc, err := cfg.Listener.Voice()
	if err != nil {
		t.Fatalf("Voice: %v", err)
	}
	if vc.Mode != voice.ModePureVoice || vc.MaxSpeech != 8*time.Second || vc.EmitPartials {
		t.Fatalf("overrides not applied: %+v", vc)
	}
	if vc.SilenceThreshold != 25 || !vc.AutoGainControl || vc.Deadline != voice.DeadlineMaxSpeech {
		t.Fatalf("mode defaults lost: %+v", vc)
	}
	if cfg.Exam.SendTimeoutMs != 5000 || cfg.Archive.RetentionHours != 24 {
		t.Fatalf("section defaults lost: %+v %+v", cfg.Exam, cfg.Archive)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LISTENER_MODE", "recorder")
	t.Setenv("EXAM_SERVER_URL", "https://exam.example.com")
	t.Setenv("EXAM_ID", "e-7")
	t.Setenv("SILENCE_THRESHOLD", "42.5")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listener.Mode != "recorder" || cfg.Exam.ExamID != "e-7" || cfg.Listener.SilenceThreshold == nil || *cfg.Listener.SilenceThreshold != 42.5 {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func threshold(v float64) *float64 { return &v }

func TestZeroSilenceThreshold(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "listener.yaml")
	if err := os.WriteFile(path, []byte("listener:\n  mode: voice\n  silence_threshold: 0\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	fromFile, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	t.Setenv("SILENCE_THRESHOLD", "0")
	fromEnv, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	for name, cfg := range map[string]*Config{"yaml": fromFile, "env": fromEnv} {
		vc, err := cfg.Listener.Voice()
		if err != nil {
			t.Fatalf("%s: Voice: %v", name, err)
		}
		if vc.SilenceThreshold != 0 {
			t.Errorf("%s: threshold %v, want 0", name, vc.SilenceThreshold)
		}
		if err := vc.Validate(); err != nil {
			t.Errorf("%s: Validate: %v", name, err)
		}
	}

	// Unset still takes the mode default.
	vc, err := Default().Listener.Voice()
	if err != nil {
		t.Fatal(err)
	}
	if vc.SilenceThreshold != voice.DefaultConfig(voice.ModeVoice).SilenceThreshold || vc.SilenceThreshold == 0 {
		t.Fatalf("default threshold %v", vc.SilenceThreshold)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("want error for missing file")
	}
}
