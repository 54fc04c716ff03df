// Command turnkeeper runs the turn-taking core with the configured providers,
// serves Prometheus metrics and optionally replays an input script through a
// session, printing every decision it makes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/turnkeeper/internal/app"
	"github.com/MrWong99/turnkeeper/internal/config"
	"github.com/MrWong99/turnkeeper/internal/health"
	"github.com/MrWong99/turnkeeper/internal/journal"
	"github.com/MrWong99/turnkeeper/internal/normalize"
	"github.com/MrWong99/turnkeeper/internal/observe"
	"github.com/MrWong99/turnkeeper/internal/resilience"
	"github.com/MrWong99/turnkeeper/pkg/provider/llm"
	"github.com/MrWong99/turnkeeper/pkg/provider/llm/anyllm"
	"github.com/MrWong99/turnkeeper/pkg/provider/llm/openai"
	"github.com/MrWong99/turnkeeper/pkg/provider/tts"
	"github.com/MrWong99/turnkeeper/pkg/provider/tts/pace"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	scriptPath := flag.String("script", "", "replay this input script through one session and exit")
	journalPath := flag.String("journal", "", "append replayed decisions as JSON lines to this file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "turnkeeper: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "turnkeeper: %v\n", err)
		}
		return 1
	}

	var script *Script
	if *scriptPath != "" {
		script, err = LoadScript(*scriptPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "turnkeeper: %v\n", err)
			return 1
		}
	}

	var jrnl *journal.File
	if *journalPath != "" {
		jrnl, err = journal.Open(*journalPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "turnkeeper: %v\n", err)
			return 1
		}
		defer jrnl.Close()
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("turnkeeper starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "turnkeeper"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	providers, chain, err := buildProviders(ctx, cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers,
		app.WithMetrics(metrics),
		app.WithCloser(func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tel.Shutdown(shutdownCtx)
		}),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, updated *config.Config) {
		if d := config.Diff(old, updated); d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		application.OnConfigChange(old, updated)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	// ── Metrics and probe endpoint ──────────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", tel.Handler())
	health.New(
		health.WithCheck("sessions", application.Sessions().Check),
		health.WithCheck("llm", chain.Check),
		health.WithStats(func() any {
			return map[string]any{
				"active_sessions": application.Sessions().Len(),
				"llm_available":   chain.Available(),
			}
		}),
	).Register(mux)
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		slog.Info("metrics endpoint listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics endpoint: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return application.Run(gctx)
	})
	if script != nil {
		g.Go(func() error {
			// The replay is the whole job; stop everything once it is done.
			defer cancel()
			return replay(gctx, application, script, jrnl)
		})
		slog.Info("replaying script", "path", *scriptPath, "events", len(script.Events))
	} else {
		slog.Info("server ready, press Ctrl+C to shut down")
	}

	code := 0
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return code
}

// replay runs sc through a fresh session and prints its decisions to stdout.
// Decisions are also written to j when it is not nil.
func replay(ctx context.Context, a *app.App, sc *Script, j *journal.File) error {
	s, err := a.Sessions().Start(ctx, sc.Session)
	if err != nil {
		return err
	}

	start := time.Now()
	var printed errgroup.Group
	printed.Go(func() error {
		for d := range s.Decisions() {
			fmt.Println(formatDecision(d, start))
			if j == nil {
				continue
			}
			if err := j.Write(s.ID(), d); err != nil {
				slog.Warn("journal write failed", "session_id", s.ID(), "err", err)
			}
		}
		return nil
	})
	printed.Go(func() error {
		var n int
		for chunk := range s.Audio() {
			n += len(chunk)
		}
		slog.Debug("audio drained", "session_id", s.ID(), "bytes", n)
		return nil
	})

	err = Replay(ctx, s, sc, normalize.Normalizer{})
	s.End()
	_ = printed.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		p, err := openai.New(entry.APIKey, entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// Everything else goes through any-llm-go. Its "openai" backend stays
	// reachable as "anyllm-openai".
	for _, providerName := range anyllm.SupportedProviders {
		name := providerName
		if name == "openai" {
			name = "anyllm-openai"
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
		slog.Debug("registered provider", "kind", "llm", "name", name)
	}

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("pace", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []pace.Option
		if d := optDuration(entry.Options, "per_char"); d > 0 {
			opts = append(opts, pace.WithPerChar(d))
		}
		if d := optDuration(entry.Options, "frame"); d > 0 {
			opts = append(opts, pace.WithFrame(d))
		}
		return pace.New(opts...), nil
	})
}

// buildProviders instantiates the providers named in cfg. The primary LLM and
// every fallback are wrapped in one [resilience.LLMFallback].
func buildProviders(ctx context.Context, cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*app.Providers, *resilience.LLMFallback, error) {
	primary, err := reg.CreateLLM(cfg.Providers.LLM)
	if err != nil {
		return nil, nil, fmt.Errorf("create llm provider %q: %w", cfg.Providers.LLM.Name, err)
	}
	slog.Info("provider created", "kind", "llm", "name", cfg.Providers.LLM.Name, "model", cfg.Providers.LLM.Model)

	chain := resilience.NewLLMFallback(primary, cfg.Providers.LLM.Name, resilience.FallbackConfig{
		OnResult: func(provider string, err error) {
			status := "ok"
			if err != nil {
				status = "error"
			}
			metrics.RecordProviderRequest(ctx, provider, "llm", status)
		},
	})
	for _, entry := range cfg.Providers.FallbackLLM {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, nil, fmt.Errorf("create fallback llm provider %q: %w", entry.Name, err)
		}
		chain.AddFallback(entry.Name+"/"+entry.Model, p)
		slog.Info("provider created", "kind", "fallback_llm", "name", entry.Name, "model", entry.Model)
	}

	synth, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, nil, fmt.Errorf("create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	slog.Info("provider created", "kind", "tts", "name", cfg.Providers.TTS.Name)

	return &app.Providers{LLM: chain, TTS: synth}, chain, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║       turnkeeper, startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProvider("LLM", cfg.Providers.LLM.Name, cfg.Providers.LLM.Model)
	fmt.Printf("║  %-12s    : %-19d ║\n", "Fallbacks", len(cfg.Providers.FallbackLLM))
	printProvider("TTS", cfg.Providers.TTS.Name, cfg.Providers.TTS.Model)
	printProvider("Voice", cfg.Providers.Voice.ID, "")
	if cfg.Server.ListenAddr != "" {
		fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProvider(kind, name, model string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if model != "" {
		value = name + " / " + model
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", kind, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration reads a duration option written as a Go duration string
// ("65ms"). Invalid or missing values yield zero.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}
