package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/turnstile/internal/config"
	"github.com/MrWong99/turnstile/internal/observe"
	"github.com/MrWong99/turnstile/internal/resilience"
	"github.com/MrWong99/turnstile/pkg/provider/llm"
	"github.com/MrWong99/turnstile/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/turnstile/pkg/provider/llm/openai"
	"github.com/MrWong99/turnstile/pkg/provider/stt"
	"github.com/MrWong99/turnstile/pkg/provider/stt/deepgram"
	oaistt "github.com/MrWong99/turnstile/pkg/provider/stt/openai"
	"github.com/MrWong99/turnstile/pkg/provider/stt/whisper"
	"github.com/MrWong99/turnstile/pkg/provider/tts"
	"github.com/MrWong99/turnstile/pkg/provider/tts/coqui"
	"github.com/MrWong99/turnstile/pkg/provider/tts/elevenlabs"
)

// Providers holds one value per provider slot. Nil means the slot is not
// configured. Each non-nil value already wraps its configured fallbacks.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
	TTS tts.Synthesizer

	// closers release native resources such as loaded whisper models.
	closers []func() error
}

// Close releases every provider that holds resources.
func (p *Providers) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ── Registry ─────────────────────────────────────────────────────────────────

// RegisterBuiltinProviders wires every provider that ships with turnstile
// into reg. Each factory receives a [config.ProviderEntry].
func RegisterBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oaillm.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout_ms"); d > 0 {
			opts = append(opts, oaillm.WithTimeout(d))
		}
		if n, ok := optInt(entry.Options, "max_retries"); ok {
			opts = append(opts, oaillm.WithMaxRetries(n))
		}
		return oaillm.New(entry.APIKey, entry.Model, opts...)
	})

	// The remaining vendors go through any-llm. Local servers (ollama,
	// llamacpp, llamafile) usually only need BaseURL.
	for _, vendor := range anyllm.Backends() {
		if vendor == "openai" {
			continue
		}
		reg.RegisterLLM(vendor, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(vendor, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("openai", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []oaistt.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if entry.Model != "" {
			opts = append(opts, oaistt.WithModel(entry.Model))
		}
		if d := optDuration(entry.Options, "timeout_ms"); d > 0 {
			opts = append(opts, oaistt.WithTimeout(d))
		}
		if n, ok := optInt(entry.Options, "max_retries"); ok {
			opts = append(opts, oaistt.WithMaxRetries(n))
		}
		return oaistt.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []whisper.Option
		if entry.Model != "" {
			opts = append(opts, whisper.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		return whisper.New(entry.BaseURL, opts...)
	})

	reg.RegisterSTT("whisper-native", func(entry config.ProviderEntry) (stt.Provider, error) {
		modelPath := entry.Model
		if modelPath == "" {
			modelPath = optString(entry.Options, "model_path")
		}
		var opts []whisper.NativeOption
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		if n, ok := optInt(entry.Options, "concurrency"); ok {
			opts = append(opts, whisper.WithNativeConcurrency(n))
		}
		return whisper.NewNative(modelPath, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		return newElevenLabs(entry, elevenlabs.DefaultVoiceSettings())
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Synthesizer, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if speaker := optString(entry.Options, "speaker"); speaker != "" {
			opts = append(opts, coqui.WithSpeaker(speaker))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if d := optDuration(entry.Options, "timeout_ms"); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	for _, kind := range []string{"llm", "stt", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// newElevenLabs builds an ElevenLabs voice. The voice ID comes from
// options.voice_id; format from options.format.
func newElevenLabs(entry config.ProviderEntry, vs elevenlabs.VoiceSettings) (*elevenlabs.Provider, error) {
	opts := []elevenlabs.Option{elevenlabs.WithVoiceSettings(vs)}
	if entry.Model != "" {
		opts = append(opts, elevenlabs.WithModel(entry.Model))
	}
	if format := optString(entry.Options, "format"); format != "" {
		opts = append(opts, elevenlabs.WithFormat(format))
	}
	if entry.BaseURL != "" {
		opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
	}
	return elevenlabs.New(entry.APIKey, optString(entry.Options, "voice_id"), opts...)
}

// ── Building ─────────────────────────────────────────────────────────────────

// BuildProviders instantiates the providers named in cfg. A slot with
// fallbacks is wrapped in a resilience fallback group whose breakers use
// the configured template and report their transitions to m.
func BuildProviders(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*Providers, error) {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	ps := &Providers{}
	fb := fallbackConfig(cfg.Resilience, m)

	if cfg.Providers.LLM.Name != "" {
		primary, err := createLLM(reg, cfg.Providers.LLM, ps)
		if err != nil {
			return nil, err
		}
		ps.LLM = primary
		if len(cfg.Providers.LLMFallbacks) > 0 {
			group := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, fb("llm"))
			for _, e := range cfg.Providers.LLMFallbacks {
				p, err := createLLM(reg, e, ps)
				if err != nil {
					return nil, err
				}
				group.AddFallback(e.Name, p)
			}
			ps.LLM = group
		}
	}

	if cfg.Providers.STT.Name != "" {
		primary, err := createSTT(reg, cfg.Providers.STT, ps)
		if err != nil {
			return nil, err
		}
		ps.STT = primary
		if len(cfg.Providers.STTFallbacks) > 0 {
			group := resilience.NewSTTFallback(primary, cfg.Providers.STT.Name, fb("stt"))
			for _, e := range cfg.Providers.STTFallbacks {
				p, err := createSTT(reg, e, ps)
				if err != nil {
					return nil, err
				}
				group.AddFallback(e.Name, p)
			}
			ps.STT = group
		}
	}

	if cfg.Providers.TTS.Name != "" {
		primary, err := createTTS(reg, cfg.Providers.TTS, ps)
		if err != nil {
			return nil, err
		}
		ps.TTS = primary
		if len(cfg.Providers.TTSFallbacks) > 0 {
			group := resilience.NewTTSFallback(primary, cfg.Providers.TTS.Name, fb("tts"))
			for _, e := range cfg.Providers.TTSFallbacks {
				p, err := createTTS(reg, e, ps)
				if err != nil {
					return nil, err
				}
				group.AddFallback(e.Name, p)
			}
			ps.TTS = group
		}
	}

	return ps, nil
}

func createLLM(reg *config.Registry, e config.ProviderEntry, ps *Providers) (llm.Provider, error) {
	p, err := reg.CreateLLM(e)
	if err != nil {
		return nil, fmt.Errorf("app: create llm provider %q: %w", e.Name, err)
	}
	track(ps, p)
	slog.Info("provider created", "kind", "llm", "name", e.Name, "model", e.Model)
	return p, nil
}

func createSTT(reg *config.Registry, e config.ProviderEntry, ps *Providers) (stt.Provider, error) {
	p, err := reg.CreateSTT(e)
	if err != nil {
		return nil, fmt.Errorf("app: create stt provider %q: %w", e.Name, err)
	}
	track(ps, p)
	slog.Info("provider created", "kind", "stt", "name", e.Name, "model", e.Model)
	return p, nil
}

func createTTS(reg *config.Registry, e config.ProviderEntry, ps *Providers) (tts.Synthesizer, error) {
	p, err := reg.CreateTTS(e)
	if err != nil {
		return nil, fmt.Errorf("app: create tts provider %q: %w", e.Name, err)
	}
	track(ps, p)
	slog.Info("provider created", "kind", "tts", "name", e.Name, "model", e.Model)
	return p, nil
}

// track remembers providers that need closing.
func track(ps *Providers, p any) {
	if c, ok := p.(io.Closer); ok {
		ps.closers = append(ps.closers, c.Close)
	}
}

// fallbackConfig returns a constructor for per-slot fallback settings.
func fallbackConfig(r config.ResilienceConfig, m *observe.Metrics) func(slot string) resilience.FallbackConfig {
	return func(slot string) resilience.FallbackConfig {
		cb := r.Breaker()
		cb.OnStateChange = func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state change", "slot", slot, "name", name, "from", from, "to", to)
			m.RecordCircuitTransition(context.Background(), slot+"/"+name, to.String())
		}
		return resilience.FallbackConfig{
			CircuitBreaker: cb,
			OnFailure: func(name string, err error) {
				slog.Warn("provider failed, trying next", "slot", slot, "name", name, "err", err)
				m.RecordProviderError(context.Background(), slot, name)
			},
		}
	}
}

// ── Option helpers ───────────────────────────────────────────────────────────

func optString(opts map[string]any, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

// optInt accepts both YAML integers and floats.
func optInt(opts map[string]any, key string) (int, bool) {
	switch v := opts[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func optDuration(opts map[string]any, key string) time.Duration {
	n, ok := optInt(opts, key)
	if !ok || n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Millisecond
}
