package resilience

import (
	"context"
	"strings"

	"github.com/MrWong99/turnstile/pkg/provider/tts"
)

// TTSFallback implements [tts.Synthesizer] with failover across several TTS
// backends.
type TTSFallback struct {
	group *FallbackGroup[tts.Synthesizer]
}

var _ tts.Synthesizer = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Synthesizer, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional TTS backend.
func (f *TTSFallback) AddFallback(name string, s tts.Synthesizer) {
	f.group.AddFallback(name, s)
}

// Synthesize renders text with the first healthy backend. Blank text is
// rejected up front so it does not count against any breaker.
func (f *TTSFallback) Synthesize(ctx context.Context, text string) (tts.Audio, error) {
	if strings.TrimSpace(text) == "" {
		return tts.Audio{}, tts.ErrEmptyText
	}
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, s tts.Synthesizer) (tts.Audio, error) {
		return s.Synthesize(ctx, text)
	})
}
