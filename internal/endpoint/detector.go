package endpoint

import (
	"math"
	"time"

	"github.com/MrWong99/turnstile/pkg/audio"
)

// DefaultRingDuration bounds a single buffered utterance.
const DefaultRingDuration = 30 * time.Second

// Segment is a finished utterance handed to the segment handler.
type Segment struct {
	PCM        []int16
	SampleRate int
	Reason     CutReason

	// SpeechMs and UtteranceMs are the detector's counters at the cut.
	SpeechMs    int
	UtteranceMs int
}

// DurationMs returns the duration of the buffered audio, which can be shorter
// than UtteranceMs when the ring bound evicted old frames.
func (s Segment) DurationMs() int {
	if s.SampleRate <= 0 {
		return 0
	}
	return len(s.PCM) * 1000 / s.SampleRate
}

// Option configures a [Detector].
type Option func(*Detector)

// WithInterruptHandler sets the function called when an utterance opens. It
// runs on the caller's goroutine before the opening frame is buffered.
func WithInterruptHandler(fn func()) Option {
	return func(d *Detector) { d.onInterrupt = fn }
}

// WithSegmentHandler sets the function that receives every cut utterance. It
// runs on the caller's goroutine and must not block.
func WithSegmentHandler(fn func(Segment)) Option {
	return func(d *Detector) { d.onSegment = fn }
}

// WithDiscardHandler sets the function called for utterances dropped for
// holding too little speech.
func WithDiscardHandler(fn func(Segment)) Option {
	return func(d *Detector) { d.onDiscard = fn }
}

// WithRingDuration overrides [DefaultRingDuration].
func WithRingDuration(dur time.Duration) Option {
	return func(d *Detector) { d.ring = dur }
}

// Detector feeds frames through [Step] and keeps the open utterance in a
// [SegmentBuffer].
//
// A Detector belongs to one stream and is not safe for concurrent use.
type Detector struct {
	cfg        Config
	sampleRate int
	ring       time.Duration

	state    State
	counters Counters
	buf      *SegmentBuffer

	onInterrupt func()
	onSegment   func(Segment)
	onDiscard   func(Segment)
}

// NewDetector returns a Detector in the Idle state for frames at sampleRate.
// cfg is assumed valid; see [Config.Validate].
func NewDetector(cfg Config, sampleRate int, opts ...Option) *Detector {
	d := &Detector{
		cfg:        cfg,
		sampleRate: sampleRate,
		ring:       DefaultRingDuration,
	}
	for _, o := range opts {
		o(d)
	}
	d.buf = NewSegmentBuffer(int(d.ring.Seconds() * float64(sampleRate)))
	return d
}

// State returns the current detector state.
func (d *Detector) State() State { return d.state }

// Counters returns the current counters.
func (d *Detector) Counters() Counters { return d.counters }

// Buffered returns the number of samples in the open utterance.
func (d *Detector) Buffered() int { return d.buf.Len() }

// Process steps the state machine with one frame and performs the resulting
// buffer operations and callbacks.
func (d *Detector) Process(f audio.Frame) Decision {
	var dec Decision
	d.state, d.counters, dec = Step(d.state, d.counters, RMS(f.Samples), d.cfg)

	if dec.Interrupt {
		d.buf.Clear()
		if d.onInterrupt != nil {
			d.onInterrupt()
		}
	}

	switch dec.Action {
	case Append:
		d.buf.Append(f)
	case Cut, Discard:
		d.buf.Append(f)
		pcm, _ := d.buf.Flush()
		seg := Segment{
			PCM:         pcm,
			SampleRate:  d.sampleRate,
			Reason:      dec.Reason,
			SpeechMs:    dec.Final.SpeechMs,
			UtteranceMs: dec.Final.UtteranceMs,
		}
		if dec.Action == Cut {
			if d.onSegment != nil {
				d.onSegment(seg)
			}
		} else if d.onDiscard != nil {
			d.onDiscard(seg)
		}
	}
	return dec
}

// Reset returns the detector to Idle and drops any open utterance.
func (d *Detector) Reset() {
	d.state = Idle
	d.counters = Counters{}
	d.buf.Clear()
}

// RMS returns the root-mean-square amplitude of pcm on the int16 scale. An
// empty frame has zero energy.
func RMS(pcm []int16) float64 {
	if len(pcm) == 0 {
		return 0
	}
	var sum float64
	for _, s := range pcm {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(pcm)))
}
