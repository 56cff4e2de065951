// Package mock provides a test double for the tts.Synthesizer interface.
//
// Example:
//
//	s := &mock.Synthesizer{Audio: tts.Audio{Data: []byte("mp3"), MIME: tts.MIMEMPEG}}
//	clip, _ := s.Synthesize(ctx, "hello")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/turnstile/pkg/provider/tts"
)

var _ tts.Synthesizer = (*Synthesizer)(nil)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Text string
}

// Synthesizer is a mock implementation of tts.Synthesizer.
type Synthesizer struct {
	mu sync.Mutex

	// Audio is returned by Synthesize when Err is nil.
	Audio tts.Audio

	// Err, if non-nil, is returned by Synthesize.
	Err error

	// Fn, if set, overrides Audio and Err.
	Fn func(ctx context.Context, text string) (tts.Audio, error)

	calls []SynthesizeCall
}

// Synthesize records the call and returns the configured response.
func (s *Synthesizer) Synthesize(ctx context.Context, text string) (tts.Audio, error) {
	s.mu.Lock()
	s.calls = append(s.calls, SynthesizeCall{Text: text})
	fn, audio, err := s.Fn, s.Audio, s.Err
	s.mu.Unlock()

	if fn != nil {
		return fn(ctx, text)
	}
	if err != nil {
		return tts.Audio{}, err
	}
	return audio, nil
}

// Calls returns a copy of all recorded Synthesize invocations.
func (s *Synthesizer) Calls() []SynthesizeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SynthesizeCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// Reset clears all recorded calls.
func (s *Synthesizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = nil
}
