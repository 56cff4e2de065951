// Command turnstile serves real-time utterance segmentation over websockets
// and the turnstile REST API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/MrWong99/turnstile/internal/app"
	"github.com/MrWong99/turnstile/internal/config"
	"github.com/MrWong99/turnstile/internal/observe"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "turnstile: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "turnstile: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(os.Stderr, cfg.Server.LogFormat, level))

	slog.Info("turnstile starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Error reporting ───────────────────────────────────────────────────────
	if cfg.Server.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.Server.SentryDSN,
			Environment:      cfg.Server.Environment,
			Release:          "turnstile@" + version,
			EnableTracing:    true,
			TracesSampleRate: 0.1,
		})
		if err != nil {
			slog.Warn("sentry disabled", "err", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "turnstile",
		ServiceVersion: version,
		Environment:    cfg.Server.Environment,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	providers, err := app.BuildProviders(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithLevelVar(level),
	)
	if err != nil {
		_ = providers.Close()
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		application.ApplyConfig(ctx, next)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
		go reloadOnHangup(ctx, watcher)
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// reloadOnHangup re-reads the config file on every SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed := w.Reload()
			slog.Info("config reload requested", "changed", changed)
		}
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        Turnstile — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model, len(cfg.Providers.LLMFallbacks))
	printProvider("STT", cfg.Providers.STT.Name, cfg.Providers.STT.Model, len(cfg.Providers.STTFallbacks))
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model, len(cfg.Providers.TTSFallbacks))
	fmt.Printf("║  Audio           : %-19s ║\n", fmt.Sprintf("%d Hz / %d ms", cfg.Audio.SampleRate, cfg.Audio.FrameMs))
	if cfg.Denoise.IsEnabled() {
		fmt.Printf("║  Denoiser        : %-19s ║\n", "enabled")
	} else {
		fmt.Printf("║  Denoiser        : %-19s ║\n", "(disabled)")
	}
	fmt.Printf("║  Memory          : %-19s ║\n", cfg.Memory.Backend)
	fmt.Printf("║  Agents          : %-19d ║\n", len(cfg.Agents))
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string, fallbacks int) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if fallbacks > 0 {
		value = fmt.Sprintf("%s +%d", value, fallbacks)
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, format config.LogFormat, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
