// Package endpoint decides, frame by frame, when a speaker starts and stops
// talking.
//
// The decision logic is the pure function [Step], which maps the current
// [State], its [Counters] and one frame's RMS energy to the next state and a
// [Decision]. [Detector] wraps Step with a [SegmentBuffer] and callbacks so a
// stream can feed it frames directly.
//
// Hysteresis: a frame must reach Config.StartRMS to open an utterance, but
// only needs Config.StopRMS to count as speech once recording. An utterance is
// cut after a run of trailing silence that is at least the dynamic cutoff and
// at least EndGuardFrames long, or when it reaches MaxUtteranceMs. After every
// cut the detector refuses new utterances for CooldownMs.
package endpoint

import (
	"errors"
	"fmt"
)

// State is the endpoint detector state.
type State int

const (
	// Idle means no utterance is open. Frames are not buffered.
	Idle State = iota
	// Recording means an utterance is open and frames are buffered.
	Recording
	// Cooldown is the refractory period after a cut. Speech is ignored.
	Cooldown
)

// String returns the upper-case name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Recording:
		return "RECORDING"
	case Cooldown:
		return "COOLDOWN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Counters are the per-utterance timers, all in milliseconds.
type Counters struct {
	SpeechMs    int
	SilenceMs   int
	UtteranceMs int
	CooldownMs  int
}

// Action says what happens to the frame that was just stepped.
type Action int

const (
	// Ignore drops the frame; it is not part of any utterance.
	Ignore Action = iota
	// Append adds the frame to the open utterance.
	Append
	// Cut appends the frame, then closes the utterance and dispatches it.
	Cut
	// Discard appends the frame, then throws the utterance away because it
	// held too little speech.
	Discard
)

// String returns the lower-case name of the action.
func (a Action) String() string {
	switch a {
	case Ignore:
		return "ignore"
	case Append:
		return "append"
	case Cut:
		return "cut"
	case Discard:
		return "discard"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// CutReason records which condition closed an utterance.
type CutReason string

const (
	ReasonSilence   CutReason = "silence"
	ReasonMaxLength CutReason = "max_length"
)

// Decision is the outcome of one [Step].
type Decision struct {
	// Interrupt is set when an utterance opened on this frame. The buffer must
	// be cleared before the frame is appended and a barge-in signal sent.
	Interrupt bool

	Action Action

	// Reason is set for Cut and Discard.
	Reason CutReason

	// Final holds the counters of the closed utterance for Cut and Discard.
	Final Counters
}

// Config holds the endpoint tunables.
type Config struct {
	FrameMs        int     `yaml:"frame_ms"`
	StartRMS       float64 `yaml:"start_rms"`
	StopRMS        float64 `yaml:"stop_rms"`
	CooldownMs     int     `yaml:"cooldown_ms"`
	MinSilenceMs   int     `yaml:"min_silence_ms"`
	MaxSilenceMs   int     `yaml:"max_silence_ms"`
	EndGuardFrames int     `yaml:"end_guard_frames"`
	MinSpeechMs    int     `yaml:"min_speech_ms"`
	MaxUtteranceMs int     `yaml:"max_utterance_ms"`
}

// DefaultConfig returns the tuned defaults for 20 ms frames.
func DefaultConfig() Config {
	return Config{
		FrameMs:        20,
		StartRMS:       600,
		StopRMS:        420,
		CooldownMs:     450,
		MinSilenceMs:   600,
		MaxSilenceMs:   1400,
		EndGuardFrames: 4,
		MinSpeechMs:    650,
		MaxUtteranceMs: 15000,
	}
}

// Validate reports every inconsistency in c.
func (c Config) Validate() error {
	var errs []error
	if c.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("frame_ms must be positive, got %d", c.FrameMs))
	}
	if c.StartRMS <= c.StopRMS {
		errs = append(errs, fmt.Errorf("start_rms (%g) must be greater than stop_rms (%g)", c.StartRMS, c.StopRMS))
	}
	if c.StopRMS < 0 {
		errs = append(errs, fmt.Errorf("stop_rms must not be negative, got %g", c.StopRMS))
	}
	if c.CooldownMs < 0 {
		errs = append(errs, fmt.Errorf("cooldown_ms must not be negative, got %d", c.CooldownMs))
	}
	if c.MinSilenceMs <= 0 {
		errs = append(errs, fmt.Errorf("min_silence_ms must be positive, got %d", c.MinSilenceMs))
	}
	if c.MaxSilenceMs < c.MinSilenceMs {
		errs = append(errs, fmt.Errorf("max_silence_ms (%d) must be at least min_silence_ms (%d)", c.MaxSilenceMs, c.MinSilenceMs))
	}
	if c.EndGuardFrames < 1 {
		errs = append(errs, fmt.Errorf("end_guard_frames must be at least 1, got %d", c.EndGuardFrames))
	}
	if c.MinSpeechMs < 0 {
		errs = append(errs, fmt.Errorf("min_speech_ms must not be negative, got %d", c.MinSpeechMs))
	}
	if c.MaxUtteranceMs <= 0 {
		errs = append(errs, fmt.Errorf("max_utterance_ms must be positive, got %d", c.MaxUtteranceMs))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("endpoint: invalid config: %w", err)
	}
	return nil
}

// Cutoff returns the trailing-silence duration that ends an utterance of the
// given length: 22% of the utterance, clamped to [MinSilenceMs, MaxSilenceMs].
func (c Config) Cutoff(utteranceMs int) int {
	return max(c.MinSilenceMs, min(c.MaxSilenceMs, int(0.22*float64(utteranceMs))))
}

// Step advances the state machine by one frame of the given RMS energy.
//
// In Cooldown the remaining time is reduced first; once it runs out the same
// frame is evaluated as if the detector were Idle.
func Step(s State, c Counters, rms float64, cfg Config) (State, Counters, Decision) {
	if s == Cooldown {
		c.CooldownMs -= cfg.FrameMs
		if c.CooldownMs > 0 {
			return Cooldown, c, Decision{Action: Ignore}
		}
		c.CooldownMs = 0
		s = Idle
	}

	var d Decision
	if s == Idle {
		if rms < cfg.StartRMS {
			return Idle, c, Decision{Action: Ignore}
		}
		s = Recording
		c = Counters{}
		d.Interrupt = true
	}

	// The opening frame already passed the stricter start threshold.
	voiced := rms >= cfg.StopRMS || d.Interrupt

	c.UtteranceMs += cfg.FrameMs
	if voiced {
		c.SpeechMs += cfg.FrameMs
		c.SilenceMs = 0
	} else {
		c.SilenceMs += cfg.FrameMs
	}

	switch {
	case c.SilenceMs >= cfg.Cutoff(c.UtteranceMs) && c.SilenceMs >= cfg.EndGuardFrames*cfg.FrameMs:
		d.Reason = ReasonSilence
	case c.UtteranceMs >= cfg.MaxUtteranceMs:
		d.Reason = ReasonMaxLength
	default:
		d.Action = Append
		return Recording, c, d
	}

	d.Action = Cut
	d.Final = c
	if c.SpeechMs < cfg.MinSpeechMs {
		d.Action = Discard
	}
	return Cooldown, Counters{CooldownMs: cfg.CooldownMs}, d
}
