package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"github.com/MrWong99/turnstile/internal/agent"
	"github.com/MrWong99/turnstile/internal/endpoint"
	"github.com/MrWong99/turnstile/internal/turn"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr   = ":8080"
	DefaultSampleRate   = 16000
	DefaultFrameMs      = 20
	DefaultRingSeconds  = 30
	DefaultQueueSize    = turn.DefaultQueueSize
	DefaultHistoryLimit = 20
	DefaultMemoryDir    = "data/memory"
	DefaultSessionID    = agent.DefaultSession
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"openai", "deepgram", "whisper", "whisper-native"},
	"tts": {"elevenlabs", "coqui"},
}

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied.
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. Unknown keys are rejected. An empty document yields
// the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field of cfg. Endpoint tunables are
// defaulted one by one, so a file may override a single threshold.
func ApplyDefaults(cfg *Config) {
	s := &cfg.Server
	if s.ListenAddr == "" {
		s.ListenAddr = DefaultListenAddr
	}
	if s.LogLevel == "" {
		s.LogLevel = LogInfo
	}
	if s.LogFormat == "" {
		s.LogFormat = LogFormatText
	}

	a := &cfg.Audio
	if a.SampleRate == 0 {
		a.SampleRate = DefaultSampleRate
	}
	if a.FrameMs == 0 {
		a.FrameMs = DefaultFrameMs
	}
	if a.RingSeconds == 0 {
		a.RingSeconds = DefaultRingSeconds
	}

	v, def := &cfg.VAD, endpoint.DefaultConfig()
	if v.FrameMs == 0 {
		v.FrameMs = a.FrameMs
	}
	if v.StartRMS == 0 {
		v.StartRMS = def.StartRMS
	}
	if v.StopRMS == 0 {
		v.StopRMS = def.StopRMS
	}
	if v.CooldownMs == 0 {
		v.CooldownMs = def.CooldownMs
	}
	if v.MinSilenceMs == 0 {
		v.MinSilenceMs = def.MinSilenceMs
	}
	if v.MaxSilenceMs == 0 {
		v.MaxSilenceMs = def.MaxSilenceMs
	}
	if v.EndGuardFrames == 0 {
		v.EndGuardFrames = def.EndGuardFrames
	}
	if v.MinSpeechMs == 0 {
		v.MinSpeechMs = def.MinSpeechMs
	}
	if v.MaxUtteranceMs == 0 {
		v.MaxUtteranceMs = def.MaxUtteranceMs
	}

	if cfg.Turn.QueueSize == 0 {
		cfg.Turn.QueueSize = DefaultQueueSize
	}
	if cfg.Turn.HistoryLimit == 0 {
		cfg.Turn.HistoryLimit = DefaultHistoryLimit
	}

	m := &cfg.Memory
	if m.Backend == "" {
		m.Backend = MemoryInProcess
	}
	if m.Backend == MemoryFile && m.Dir == "" {
		m.Dir = DefaultMemoryDir
	}
	if m.SessionID == "" {
		m.SessionID = DefaultSessionID
	}

	for i := range cfg.Agents {
		cfg.Agents[i].ApplyDefaults()
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}
	if hook := cfg.Server.OutboundWebhook; hook != "" {
		if u, err := url.Parse(hook); err != nil || !u.IsAbs() {
			errs = append(errs, fmt.Errorf("server.outbound_webhook %q must be an absolute URL", hook))
		}
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate must be positive, got %d", cfg.Audio.SampleRate))
	}
	if cfg.Audio.FrameMs <= 0 {
		errs = append(errs, fmt.Errorf("audio.frame_ms must be positive, got %d", cfg.Audio.FrameMs))
	}
	if cfg.Audio.RingSeconds <= 0 {
		errs = append(errs, fmt.Errorf("audio.ring_seconds must be positive, got %g", cfg.Audio.RingSeconds))
	}

	// VAD
	if err := cfg.VAD.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("vad: %w", err))
	}
	if cfg.VAD.FrameMs != cfg.Audio.FrameMs {
		errs = append(errs, fmt.Errorf("vad.frame_ms (%d) must equal audio.frame_ms (%d)", cfg.VAD.FrameMs, cfg.Audio.FrameMs))
	}

	// Denoise
	errs = append(errs, validateDenoise(cfg.Denoise)...)

	// Turn
	if cfg.Turn.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("turn.queue_size must not be negative, got %d", cfg.Turn.QueueSize))
	}
	if cfg.Turn.RefineWithLLM && cfg.Providers.LLM.Name == "" {
		slog.Warn("turn.refine_with_llm is set but providers.llm is not configured; action items stay heuristic")
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	errs = append(errs, validateFallbacks("llm", cfg.Providers.LLM, cfg.Providers.LLMFallbacks)...)
	errs = append(errs, validateFallbacks("stt", cfg.Providers.STT, cfg.Providers.STTFallbacks)...)
	errs = append(errs, validateFallbacks("tts", cfg.Providers.TTS, cfg.Providers.TTSFallbacks)...)

	if cfg.Providers.STT.Name == "" {
		slog.Warn("no STT provider configured; every segment will fail to transcribe")
	}
	if cfg.Providers.LLM.Name == "" {
		slog.Warn("no LLM provider configured; replies fall back to echoing the transcript")
	}

	// Resilience
	if r := cfg.Resilience; r.MaxFailures < 0 || r.ResetTimeoutMs < 0 || r.HalfOpenMax < 0 {
		errs = append(errs, errors.New("resilience values must not be negative"))
	}

	// Memory
	if cfg.Memory.Backend != "" && !cfg.Memory.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("memory.backend %q is invalid; valid values: memory, file, postgres", cfg.Memory.Backend))
	}
	if cfg.Memory.Backend == MemoryPostgres && cfg.Memory.PostgresDSN == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is required when memory.backend is postgres"))
	}
	if cfg.Memory.AgentsInPostgres && cfg.Memory.PostgresDSN == "" {
		errs = append(errs, errors.New("memory.postgres_dsn is required when memory.agents_in_postgres is set"))
	}

	// Agents
	seen := make(map[string]int, len(cfg.Agents))
	for i, a := range cfg.Agents {
		if prev, ok := seen[a.Name]; ok && a.Name != "" {
			errs = append(errs, fmt.Errorf("agents[%d].name %q is a duplicate of agents[%d]", i, a.Name, prev))
		}
		seen[a.Name] = i
		if err := a.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("agents[%d]: %w", i, err))
		}
	}

	return errors.Join(errs...)
}

func validateDenoise(d DenoiseConfig) []error {
	var errs []error
	unit := func(name string, v float64) {
		if v < 0 || v >= 1 {
			errs = append(errs, fmt.Errorf("denoise.%s %g is out of range [0, 1)", name, v))
		}
	}
	unit("preemphasis", d.PreEmphasis)
	unit("rms_alpha", d.RMSAlpha)
	unit("psd_alpha", d.PSDAlpha)
	if d.HighPassHz < 0 {
		errs = append(errs, fmt.Errorf("denoise.highpass_hz must not be negative, got %g", d.HighPassHz))
	}
	if d.FloorBoost != 0 && d.FloorBoost < 1 {
		errs = append(errs, fmt.Errorf("denoise.floor_boost %g must be at least 1", d.FloorBoost))
	}
	if d.MaskRelax < 0 || d.MaskRelax > 1 {
		errs = append(errs, fmt.Errorf("denoise.mask_relax %g is out of range (0, 1]", d.MaskRelax))
	}
	if d.MaxAttenDB < 0 {
		errs = append(errs, fmt.Errorf("denoise.max_atten_db must not be negative, got %g", d.MaxAttenDB))
	}
	return errs
}

// validateFallbacks rejects unnamed fallbacks and fallbacks without a
// primary.
func validateFallbacks(kind string, primary ProviderEntry, fallbacks []ProviderEntry) []error {
	var errs []error
	if len(fallbacks) > 0 && primary.Name == "" {
		errs = append(errs, fmt.Errorf("providers.%s_fallbacks requires providers.%s", kind, kind))
	}
	for i, f := range fallbacks {
		if f.Name == "" {
			errs = append(errs, fmt.Errorf("providers.%s_fallbacks[%d].name is required", kind, i))
			continue
		}
		validateProviderName(kind, f.Name)
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
