// Package app wires all turnstile subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until its context ends, and Shutdown tears
// everything down in order. ApplyConfig takes the hot-reloadable parts of a
// new configuration.
//
// For testing, inject doubles via functional options (WithMemoryStore,
// WithAgentStore, ...). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/turnstile/internal/agent"
	"github.com/MrWong99/turnstile/internal/api"
	"github.com/MrWong99/turnstile/internal/config"
	"github.com/MrWong99/turnstile/internal/health"
	"github.com/MrWong99/turnstile/internal/intent"
	"github.com/MrWong99/turnstile/internal/observe"
	"github.com/MrWong99/turnstile/internal/outbound"
	"github.com/MrWong99/turnstile/internal/session"
	"github.com/MrWong99/turnstile/internal/transport/wsingest"
	"github.com/MrWong99/turnstile/internal/turn"
	"github.com/MrWong99/turnstile/pkg/audio/denoise"
	"github.com/MrWong99/turnstile/pkg/memory"
	"github.com/MrWong99/turnstile/pkg/memory/postgres"
	"github.com/MrWong99/turnstile/pkg/provider/stt"
	"github.com/MrWong99/turnstile/pkg/provider/tts"
	"github.com/MrWong99/turnstile/pkg/provider/tts/elevenlabs"
)

// DefaultShutdownTimeout bounds the drain of open streams on shutdown.
const DefaultShutdownTimeout = 15 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	mu  sync.Mutex
	cfg *config.Config

	providers *Providers
	metrics   *observe.Metrics
	level     *slog.LevelVar
	report    turn.ErrorReporter

	// Subsystems, initialised in New and torn down in Shutdown.
	memory      memory.Store
	agents      agent.Store
	transcriber stt.Transcriber
	responder   *agent.Responder
	streams     *session.Manager
	health      *health.Handler
	api         *api.Server
	ingest      *wsingest.Handler
	fallback    outbound.Transport

	checkers []health.Checker

	// closers are called in order during Shutdown.
	closers []func() error

	shutdownTimeout time.Duration
	stopOnce        sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithMemoryStore injects a conversation memory instead of creating one
// from config.
func WithMemoryStore(s memory.Store) Option {
	return func(a *App) { a.memory = s }
}

// WithAgentStore injects an agent store. The configured agents are still
// seeded into it.
func WithAgentStore(s agent.Store) Option {
	return func(a *App) { a.agents = s }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets ApplyConfig change the log level of the handler that
// uses lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithErrorReporter overrides where turn failures are reported. By default
// they go to Sentry when a DSN is configured.
func WithErrorReporter(r turn.ErrorReporter) Option {
	return func(a *App) { a.report = r }
}

// WithOutboundFallback sets the transport used when a stream's websocket
// cannot take an event, instead of the configured webhook.
func WithOutboundFallback(t outbound.Transport) Option {
	return func(a *App) { a.fallback = t }
}

// WithShutdownTimeout overrides [DefaultShutdownTimeout].
func WithShutdownTimeout(d time.Duration) Option {
	return func(a *App) { a.shutdownTimeout = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. providers comes
// from [BuildProviders]; nil means none are configured.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:             cfg,
		providers:       providers,
		shutdownTimeout: DefaultShutdownTimeout,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.report == nil && cfg.Server.SentryDSN != "" {
		a.report = SentryReporter(sentry.CurrentHub())
	}

	// ── 1. Conversation memory ───────────────────────────────────────────
	if err := a.initMemory(ctx); err != nil {
		return nil, fmt.Errorf("app: init memory: %w", err)
	}

	// ── 2. Agent store ───────────────────────────────────────────────────
	if err := a.initAgents(ctx); err != nil {
		return nil, fmt.Errorf("app: init agents: %w", err)
	}

	// ── 3. Responder ─────────────────────────────────────────────────────
	a.initResponder()

	// ── 4. Streams + ingest ──────────────────────────────────────────────
	if err := a.initStreams(); err != nil {
		return nil, fmt.Errorf("app: init streams: %w", err)
	}

	// ── 5. REST API ──────────────────────────────────────────────────────
	a.initAPI()

	// ── 6. Health ────────────────────────────────────────────────────────
	a.health = health.New(a.checkers...)

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initMemory opens the configured memory backend unless one was injected.
func (a *App) initMemory(ctx context.Context) error {
	if a.memory != nil {
		return nil
	}
	switch a.cfg.Memory.Backend {
	case config.MemoryFile:
		s, err := memory.NewFileStore(a.cfg.Memory.Dir)
		if err != nil {
			return err
		}
		a.memory = s
		slog.Info("conversation memory", "backend", "file", "dir", a.cfg.Memory.Dir)

	case config.MemoryPostgres:
		s, err := postgres.NewStore(ctx, a.cfg.Memory.PostgresDSN)
		if err != nil {
			return err
		}
		a.memory = s
		a.closers = append(a.closers, func() error {
			s.Close()
			return nil
		})
		a.checkers = append(a.checkers, health.Checker{Name: "memory", Check: s.Ping})
		slog.Info("conversation memory", "backend", "postgres")

	default:
		a.memory = memory.NewInMemory()
		slog.Info("conversation memory", "backend", "memory")
	}
	return nil
}

// initAgents opens the agent store and seeds it with the configured agents.
func (a *App) initAgents(ctx context.Context) error {
	if a.agents == nil {
		if a.cfg.Memory.AgentsInPostgres {
			store, err := a.postgresAgents(ctx)
			if err != nil {
				return err
			}
			a.agents = store
		} else {
			a.agents, _ = agent.NewMemStore()
		}
	}

	for _, c := range a.cfg.Agents {
		created, err := a.agents.Upsert(ctx, c)
		if err != nil {
			return fmt.Errorf("seed agent %q: %w", c.Name, err)
		}
		slog.Info("loaded agent", "name", c.Name, "endpoint", c.Endpoint, "created", created)
	}

	a.checkers = append(a.checkers, health.Checker{
		Name: "agents",
		Check: func(ctx context.Context) error {
			_, err := a.agents.List(ctx)
			return err
		},
	})
	return nil
}

// postgresAgents opens a pool on the memory DSN and migrates the agent
// table.
func (a *App) postgresAgents(ctx context.Context) (*agent.PostgresStore, error) {
	pool, err := pgxpool.New(ctx, a.cfg.Memory.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect agent database: %w", err)
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	store := agent.NewPostgresStore(pool)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	slog.Info("agent store", "backend", "postgres")
	return store, nil
}

// initResponder builds the transcriber and the agent responder.
func (a *App) initResponder() {
	if a.providers.STT != nil {
		a.transcriber = stt.NewTwoPass(a.providers.STT)
	}

	opts := []agent.ResponderOption{
		agent.WithAgents(a.agents),
		agent.WithMemory(a.memory),
		agent.WithHistoryLimit(a.cfg.Turn.HistoryLimit),
		agent.WithResponderMetrics(a.metrics),
	}
	if a.providers.LLM != nil {
		opts = append(opts, agent.WithLLM(a.providers.LLM))
		if a.cfg.Turn.RefineWithLLM {
			opts = append(opts, agent.WithExtractor(intent.NewExtractor(intent.WithRefiner(a.providers.LLM))))
		}
	} else {
		slog.Warn("no llm provider configured, replies are canned")
	}
	a.responder = agent.NewResponder(opts...)
}

// initStreams creates the stream manager and, when speech recognition is
// available, the websocket ingest handler.
func (a *App) initStreams() error {
	collab := turn.Collaborators{Transcriber: a.transcriber}
	if a.cfg.Turn.SpeakReplies() {
		collab.Synthesizer = a.providers.TTS
	}

	turnOpts := []turn.Option{
		turn.WithQueueSize(a.cfg.Turn.QueueSize),
		turn.WithTempDir(a.cfg.Server.TempDir),
		turn.WithMinSpeechMs(a.cfg.VAD.MinSpeechMs),
	}
	if a.report != nil {
		turnOpts = append(turnOpts, turn.WithErrorReporter(a.report))
	}

	a.streams = session.NewManager(session.ManagerConfig{
		Stream:         streamConfig(a.cfg),
		Collaborators:  collab,
		Sessions:       a.responder,
		DefaultSession: a.cfg.Memory.SessionID,
		TurnOptions:    turnOpts,
		Metrics:        a.metrics,
	})

	if a.transcriber == nil {
		slog.Warn("no stt provider configured, audio streaming is disabled")
		return nil
	}

	fallbacks, err := a.outboundFallbacks()
	if err != nil {
		return err
	}
	a.ingest = wsingest.New(a.streams, wsingest.Config{
		Fallbacks:      fallbacks,
		CircuitBreaker: a.cfg.Resilience.Breaker(),
		Metrics:        a.metrics,
	})
	return nil
}

// outboundFallbacks returns the transports tried after a stream's own
// websocket: the injected fallback or the webhook, then the event log.
func (a *App) outboundFallbacks() ([]outbound.Transport, error) {
	if a.fallback == nil && a.cfg.Server.OutboundWebhook != "" {
		a.fallback = outbound.Webhook(a.cfg.Server.OutboundWebhook, nil, nil)
	}

	var out []outbound.Transport
	if a.fallback != nil {
		out = append(out, a.fallback)
	}
	if path := a.cfg.Server.EventLog; path != "" {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open event log: %w", err)
		}
		a.closers = append(a.closers, f.Close)
		out = append(out, outbound.EventLog(f, 0))
		slog.Info("outbound event log", "path", path)
	}
	return out, nil
}

// initAPI creates the REST handlers.
func (a *App) initAPI() {
	deps := api.Deps{
		Responder:   a.responder,
		Agents:      a.agents,
		LLM:         a.providers.LLM,
		Transcriber: a.transcriber,
		Synthesizer: a.providers.TTS,
		TempDir:     a.cfg.Server.TempDir,
		Metrics:     a.metrics,
	}
	if a.cfg.Providers.TTS.Name == "elevenlabs" {
		deps.Voices = voiceFactory(a.cfg.Providers.TTS)
	}
	a.api = api.New(deps)
}

// streamConfig derives the stream template from cfg.
func streamConfig(cfg *config.Config) session.Config {
	return session.Config{
		SampleRate:   cfg.Audio.SampleRate,
		FrameMs:      cfg.Audio.FrameMs,
		VAD:          cfg.VAD,
		Denoise:      denoiseConfig(cfg),
		RingDuration: time.Duration(cfg.Audio.RingSeconds) * time.Second,
	}
}

func denoiseConfig(cfg *config.Config) *denoise.Config {
	if !cfg.Denoise.IsEnabled() {
		return nil
	}
	f := cfg.Denoise.Filter(cfg.Audio)
	return &f
}

// voiceFactory builds ElevenLabs voices for per-request overrides. Without
// any voice setting the defaults are used.
func voiceFactory(base config.ProviderEntry) api.VoiceFactory {
	return func(v api.VoiceOptions) (tts.Synthesizer, error) {
		entry := base
		entry.Options = make(map[string]any, len(base.Options)+2)
		for k, val := range base.Options {
			entry.Options[k] = val
		}
		if v.VoiceID != "" {
			entry.Options["voice_id"] = v.VoiceID
		}
		if v.Format != "" {
			entry.Options["format"] = v.Format
		}
		if v.ModelID != "" {
			entry.Model = v.ModelID
		}
		return newElevenLabs(entry, voiceSettings(v))
	}
}

// voiceSettings keeps the ElevenLabs defaults when v sets no voice setting.
func voiceSettings(v api.VoiceOptions) elevenlabs.VoiceSettings {
	if v.Stability == 0 && v.SimilarityBoost == 0 && v.Style == 0 && !v.UseSpeakerBoost {
		return elevenlabs.DefaultVoiceSettings()
	}
	return elevenlabs.VoiceSettings{
		Stability:       v.Stability,
		SimilarityBoost: v.SimilarityBoost,
		Style:           v.Style,
		UseSpeakerBoost: v.UseSpeakerBoost,
	}
}

// ─── Serving ─────────────────────────────────────────────────────────────────

// Handler returns every route behind the request metrics and panic
// recovery middleware.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.Handler())
	if a.ingest != nil {
		a.ingest.Register(mux)
	}
	mux.Handle("/", a.api.Handler())
	return recoverer(observe.Middleware(a.metrics)(mux))
}

// Streams returns the stream manager.
func (a *App) Streams() *session.Manager { return a.streams }

// Run serves HTTP on the configured address until ctx is done, then drains
// open streams and stops the server.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			slog.Info("listening", "addr", srv.Addr, "tls", true)
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			slog.Info("listening", "addr", srv.Addr)
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.health.SetDraining(true)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http shutdown incomplete", "err", err)
		}
		if err := a.streams.Close(shutdownCtx); err != nil {
			slog.Warn("stream drain incomplete", "err", err)
		}
		return nil
	})

	slog.Info("app running", "agents", len(a.cfg.Agents), "streaming", a.ingest != nil)
	return g.Wait()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable differences between the running
// config and next: log level, endpoint tunables and denoiser settings for new
// streams, and the agent registry. Sections that need a restart are logged.
func (a *App) ApplyConfig(ctx context.Context, next *config.Config) config.ConfigDiff {
	a.mu.Lock()
	defer a.mu.Unlock()

	d := config.Diff(a.cfg, next)

	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VADChanged {
		a.streams.SetVAD(d.NewVAD)
		slog.Info("endpoint tunables updated for new streams")
	}
	if d.DenoiseChanged {
		a.streams.SetDenoise(denoiseConfig(next))
		slog.Info("denoiser settings updated for new streams", "enabled", next.Denoise.IsEnabled())
	}
	for _, c := range d.AgentChanges {
		var err error
		switch {
		case c.Removed:
			err = a.agents.Delete(ctx, c.Name)
		default:
			_, err = a.agents.Upsert(ctx, c.Config)
		}
		if err != nil {
			slog.Warn("agent reload failed", "agent", c.Name, "err", err)
			continue
		}
		slog.Info("agent reloaded", "agent", c.Name, "added", c.Added, "removed", c.Removed)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "sections", d.RestartRequired)
	}

	a.cfg = next
	return d
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes open streams, then every subsystem in init order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "streams", a.streams.Len(), "closers", len(a.closers))
		a.health.SetDraining(true)

		if err := a.streams.Close(ctx); err != nil {
			slog.Warn("stream drain incomplete", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		if err := a.providers.Close(); err != nil {
			slog.Warn("provider close error", "err", err)
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
