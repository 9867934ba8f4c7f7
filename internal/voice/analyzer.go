package voice

import (
	"math"
	"time"

	"github.com/exam-voice-lab/internal/capture"
)

// AnalyzerState is the live classifier state. SpeechStartedAt is zero when
// no utterance is in progress.
type AnalyzerState struct {
	VolumeLevel     float64
	IsSilent        bool
	SpeechStartedAt time.Time
	SilenceElapsed  time.Duration

	silenceSince time.Time
}

// InUtterance reports whether speech was heard since the last commit.
func (s AnalyzerState) InUtterance() bool { return !s.SpeechStartedAt.IsZero() }

// Volume maps frame RMS onto 0-100 as clamp(20*log10(max(rms, floor)) + 100).
func Volume(rms, floor float64) float64 {
	db := 20 * math.Log10(math.Max(rms, floor))
	return math.Max(0, math.Min(100, db+100))
}

// Classification is what one frame changed.
type Classification struct {
	Volume float64
	Speech bool
	// UtteranceStarted is set on the first speech frame after a commit.
	UtteranceStarted bool
	// SpeechResumed is set on a silence to speech flip inside an utterance.
	SpeechResumed bool
	// SilenceOnset is set once per speech to silence flip.
	SilenceOnset bool
}

// Analyzer classifies frames as speech or silence.
type Analyzer struct {
	threshold float64
	floor     float64
	state     AnalyzerState
}

func NewAnalyzer(threshold, floor float64) *Analyzer {
	if floor <= 0 {
		floor = DefaultRMSFloor
	}
	return &Analyzer{threshold: threshold, floor: floor, state: AnalyzerState{IsSilent: true}}
}

// Process classifies samples captured at now.
func (a *Analyzer) Process(samples []float32, now time.Time) Classification {
	vol := Volume(capture.RMS(samples), a.floor)
	speech := vol > a.threshold
	c := Classification{Volume: vol, Speech: speech}
	s := &a.state
	s.VolumeLevel = vol

	if speech {
		if !s.InUtterance() {
			s.SpeechStartedAt = now
			c.UtteranceStarted = true
		} else if s.IsSilent {
			c.SpeechResumed = true
		}
		s.IsSilent = false
		s.silenceSince = time.Time{}
		s.SilenceElapsed = 0
		return c
	}

	if !s.IsSilent {
		s.IsSilent = true
		s.silenceSince = now
		c.SilenceOnset = true
	}
	if !s.silenceSince.IsZero() {
		s.SilenceElapsed = now.Sub(s.silenceSince)
	}
	return c
}

func (a *Analyzer) State() AnalyzerState { return a.state }

// ResetSpeech ends speech tracking after a commit. The next speech frame
// starts a new utterance.
func (a *Analyzer) ResetSpeech() {
	a.state.SpeechStartedAt = time.Time{}
	a.state.IsSilent = true
	a.state.silenceSince = time.Time{}
	a.state.SilenceElapsed = 0
}

// Reset returns the analyzer to its initial silent state.
func (a *Analyzer) Reset() {
	a.ResetSpeech()
	a.state.VolumeLevel = 0
}
