package resilience

import (
	"context"

	"github.com/MrWong99/turnstile/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with failover across several
// recognition backends.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional STT provider.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Recognize runs req against the first healthy provider.
//
// A provider that cannot translate reports [stt.ErrTranslationUnsupported];
// the next provider is then tried, so a translating backend should be
// registered somewhere in the chain.
func (f *STTFallback) Recognize(ctx context.Context, req stt.Request) (stt.Result, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p stt.Provider) (stt.Result, error) {
		return p.Recognize(ctx, req)
	})
}
