package config_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/MrWong99/turnstile/internal/agent"
	"github.com/MrWong99/turnstile/internal/config"
	"github.com/MrWong99/turnstile/internal/endpoint"
	"github.com/MrWong99/turnstile/pkg/audio/denoise"
	"github.com/MrWong99/turnstile/pkg/provider/llm"
	llmmock "github.com/MrWong99/turnstile/pkg/provider/llm/mock"
	"github.com/MrWong99/turnstile/pkg/provider/stt"
	sttmock "github.com/MrWong99/turnstile/pkg/provider/stt/mock"
	"github.com/MrWong99/turnstile/pkg/provider/tts"
	ttsmock "github.com/MrWong99/turnstile/pkg/provider/tts/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
  log_format: json
  temp_dir: /tmp/turnstile
  outbound_webhook: https://hooks.example.com/turns

audio:
  sample_rate: 16000
  frame_ms: 20

vad:
  start_rms: 700
  stop_rms: 450

denoise:
  enabled: false
  floor_boost: 1.8

turn:
  queue_size: 2
  refine_with_llm: true
  tts_enabled: false

providers:
  llm:
    name: openai
    api_key: sk-test
    model: gpt-4o-mini
  stt:
    name: openai
    api_key: sk-test
  stt_fallbacks:
    - name: whisper
      base_url: http://localhost:9000
  tts:
    name: elevenlabs
    api_key: el-test
    options:
      voice_id: voice-1

resilience:
  max_failures: 3
  reset_timeout_ms: 10000

memory:
  backend: file
  session_id: lobby

agents:
  - name: weather
    description: Answers weather questions.
    endpoint: https://weather.example.com/ask
    method: post
    response_field: [answer]
    memory:
      enabled: true
      delivery: query
`

func load(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func loadErr(t *testing.T, yaml string) error {
	t.Helper()
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected a validation error, got nil")
	}
	return err
}

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	t.Parallel()
	cfg := load(t, sampleYAML)

	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":9000")
	}
	if cfg.Server.LogLevel != config.LogDebug || cfg.Server.LogFormat != config.LogFormatJSON {
		t.Errorf("logging: got %q/%q, want debug/json", cfg.Server.LogLevel, cfg.Server.LogFormat)
	}
	if cfg.VAD.StartRMS != 700 || cfg.VAD.StopRMS != 450 {
		t.Errorf("vad thresholds: got %g/%g, want 700/450", cfg.VAD.StartRMS, cfg.VAD.StopRMS)
	}
	if def := endpoint.DefaultConfig(); cfg.VAD.MinSilenceMs != def.MinSilenceMs {
		t.Errorf("vad.min_silence_ms: got %d, want default %d", cfg.VAD.MinSilenceMs, def.MinSilenceMs)
	}
	if cfg.Denoise.IsEnabled() {
		t.Error("denoise should be disabled")
	}
	if cfg.Turn.QueueSize != 2 || !cfg.Turn.RefineWithLLM || cfg.Turn.SpeakReplies() {
		t.Errorf("turn: got %+v", cfg.Turn)
	}
	if len(cfg.Providers.STTFallbacks) != 1 || cfg.Providers.STTFallbacks[0].Name != "whisper" {
		t.Errorf("stt_fallbacks: got %+v", cfg.Providers.STTFallbacks)
	}
	if cfg.Providers.TTS.Options["voice_id"] != "voice-1" {
		t.Errorf("tts options: got %v", cfg.Providers.TTS.Options)
	}
	if cfg.Memory.Backend != config.MemoryFile || cfg.Memory.Dir != config.DefaultMemoryDir || cfg.Memory.SessionID != "lobby" {
		t.Errorf("memory: got %+v", cfg.Memory)
	}

	if len(cfg.Agents) != 1 {
		t.Fatalf("agents: got %d, want 1", len(cfg.Agents))
	}
	a := cfg.Agents[0]
	if a.Method != "POST" || a.QueryField != "query" || a.ResponseFormat != agent.FormatJSON {
		t.Errorf("agent defaults not applied: %+v", a)
	}
	if a.Memory == nil || a.Memory.Delivery != agent.LocationQuery || a.Memory.FieldName == "" {
		t.Errorf("agent memory defaults not applied: %+v", a.Memory)
	}
}

func TestLoadFromReader_EmptyIsValid(t *testing.T) {
	t.Parallel()
	cfg := load(t, "")

	if cfg.Server.ListenAddr != config.DefaultListenAddr || cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("server defaults: got %+v", cfg.Server)
	}
	if cfg.Audio.SampleRate != config.DefaultSampleRate || cfg.Audio.FrameMs != config.DefaultFrameMs {
		t.Errorf("audio defaults: got %+v", cfg.Audio)
	}
	if cfg.VAD != endpoint.DefaultConfig() {
		t.Errorf("vad defaults: got %+v, want %+v", cfg.VAD, endpoint.DefaultConfig())
	}
	if cfg.Denoise.IsEnabled() {
		t.Error("denoise should default to disabled")
	}
	if !cfg.Turn.SpeakReplies() {
		t.Error("tts should default to enabled")
	}
	if cfg.Memory.Backend != config.MemoryInProcess || cfg.Memory.SessionID != config.DefaultSessionID {
		t.Errorf("memory defaults: got %+v", cfg.Memory)
	}
}

func TestLoadFromReader_UnknownKey(t *testing.T) {
	t.Parallel()
	err := loadErr(t, "server:\n  listen_adr: \":80\"\n")
	if !strings.Contains(err.Error(), "listen_adr") {
		t.Errorf("error should name the unknown key, got: %v", err)
	}
}

func TestDenoiseEnabled(t *testing.T) {
	t.Parallel()
	if cfg := load(t, "denoise:\n  enabled: true\n"); !cfg.Denoise.IsEnabled() {
		t.Error("denoise.enabled: true should enable the denoiser")
	}
}

func TestDenoiseFilter(t *testing.T) {
	t.Parallel()
	cfg := load(t, sampleYAML)

	got := cfg.Denoise.Filter(cfg.Audio)
	want := denoise.DefaultConfig(16000, 20)
	want.FloorBoost = 1.8
	if got != want {
		t.Errorf("Filter() = %+v, want %+v", got, want)
	}
}

func TestResilienceBreaker(t *testing.T) {
	t.Parallel()
	cfg := load(t, sampleYAML)

	b := cfg.Resilience.Breaker()
	if b.MaxFailures != 3 || b.ResetTimeout.Seconds() != 10 || b.HalfOpenMax != 0 {
		t.Errorf("Breaker() = %+v, want 3 failures, 10s reset, default half-open", b)
	}
}

// ── Validation ────────────────────────────────────────────────────────────────

func TestValidate_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"log level", "server:\n  log_level: verbose\n", "server.log_level"},
		{"log format", "server:\n  log_format: xml\n", "server.log_format"},
		{"relative webhook", "server:\n  outbound_webhook: /hook\n", "server.outbound_webhook"},
		{"tls without key", "server:\n  tls:\n    cert_file: c.pem\n", "server.tls"},
		{"negative sample rate", "audio:\n  sample_rate: -1\n", "audio.sample_rate"},
		{"start not above stop", "vad:\n  start_rms: 400\n  stop_rms: 400\n", "start_rms"},
		{"negative cooldown", "vad:\n  cooldown_ms: -5\n", "cooldown_ms"},
		{"frame mismatch", "audio:\n  frame_ms: 10\nvad:\n  frame_ms: 20\n", "vad.frame_ms"},
		{"preemphasis", "denoise:\n  preemphasis: 1.5\n", "denoise.preemphasis"},
		{"floor boost", "denoise:\n  floor_boost: 0.5\n", "denoise.floor_boost"},
		{"queue size", "turn:\n  queue_size: -1\n", "turn.queue_size"},
		{"fallback without primary", "providers:\n  llm_fallbacks:\n    - name: openai\n", "providers.llm_fallbacks requires"},
		{"unnamed fallback", "providers:\n  tts:\n    name: elevenlabs\n  tts_fallbacks:\n    - model: x\n", "tts_fallbacks[0].name"},
		{"memory backend", "memory:\n  backend: redis\n", "memory.backend"},
		{"postgres without dsn", "memory:\n  backend: postgres\n", "memory.postgres_dsn"},
		{"agent endpoint", "agents:\n  - name: a\n    endpoint: not-a-url\n", "agents[0]"},
		{"agent method", "agents:\n  - name: a\n    endpoint: http://a.local\n    method: patch\n", "method"},
		{"duplicate agents", "agents:\n  - name: a\n    endpoint: http://a.local\n  - name: a\n    endpoint: http://b.local\n", "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := loadErr(t, tt.yaml)
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error should mention %q, got: %v", tt.want, err)
			}
		})
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	err := loadErr(t, "server:\n  log_level: loud\nmemory:\n  backend: redis\n")
	for _, want := range []string{"server.log_level", "memory.backend"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %q, got: %v", want, err)
		}
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	for _, kind := range []string{"llm", "stt", "tts"} {
		if len(config.ValidProviderNames[kind]) == 0 {
			t.Errorf("ValidProviderNames[%q] is empty", kind)
		}
	}
}

// ── Registry ──────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	entry := config.ProviderEntry{Name: "nonexistent"}

	if _, err := reg.CreateLLM(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM: expected ErrProviderNotRegistered, got %v", err)
	}
	if _, err := reg.CreateSTT(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateSTT: expected ErrProviderNotRegistered, got %v", err)
	}
	if _, err := reg.CreateTTS(entry); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTTS: expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistry_Registered(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()

	var gotEntry config.ProviderEntry
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return &llmmock.Provider{}, nil
	})
	reg.RegisterSTT("stub", func(config.ProviderEntry) (stt.Provider, error) { return &sttmock.Provider{}, nil })
	reg.RegisterTTS("stub", func(config.ProviderEntry) (tts.Synthesizer, error) { return &ttsmock.Synthesizer{}, nil })

	entry := config.ProviderEntry{Name: "stub", Model: "m-1"}
	p, err := reg.CreateLLM(entry)
	if err != nil || p == nil {
		t.Fatalf("CreateLLM: got %v, %v", p, err)
	}
	if gotEntry.Model != "m-1" {
		t.Errorf("factory entry model: got %q, want m-1", gotEntry.Model)
	}
	if s, err := reg.CreateSTT(entry); err != nil || s == nil {
		t.Errorf("CreateSTT: got %v, %v", s, err)
	}
	if s, err := reg.CreateTTS(entry); err != nil || s == nil {
		t.Errorf("CreateTTS: got %v, %v", s, err)
	}
	if names := reg.Names("llm"); len(names) != 1 || names[0] != "stub" {
		t.Errorf("Names(llm) = %v, want [stub]", names)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	boom := errors.New("bad key")
	reg.RegisterTTS("broken", func(config.ProviderEntry) (tts.Synthesizer, error) { return nil, boom })

	if _, err := reg.CreateTTS(config.ProviderEntry{Name: "broken"}); !errors.Is(err, boom) {
		t.Errorf("expected factory error, got %v", err)
	}
}
