// Package app wires the turnkeeper subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the generation and
// synthesis stack from the config and the providers, Run blocks until the
// context ends, and Shutdown ends every session and tears everything down in
// order.
//
// For testing, inject doubles via functional options (WithMetrics,
// WithClock). Providers are always passed in by the caller.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/turnkeeper/internal/config"
	"github.com/MrWong99/turnkeeper/internal/observe"
	"github.com/MrWong99/turnkeeper/internal/orchestrator"
	"github.com/MrWong99/turnkeeper/internal/speculate"
	"github.com/MrWong99/turnkeeper/pkg/provider/llm"
	"github.com/MrWong99/turnkeeper/pkg/provider/tts"
)

// Providers holds one interface value per provider slot. Populated by
// main.go via the config registry.
type Providers struct {
	// LLM generates responses. It is usually an [resilience.LLMFallback]
	// over the configured chain.
	LLM llm.Provider

	// TTS synthesises responses.
	TTS tts.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	now       func() time.Time

	factory  *orchestrator.Factory
	sessions *SessionManager

	mu   sync.RWMutex
	turn config.TurnConfig

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics injects the metrics instance instead of the global one.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock replaces time.Now for every session.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithCloser registers fn to run during Shutdown, after all sessions ended.
func WithCloser(fn func() error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New creates an App from cfg and providers.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	if providers.TTS == nil {
		return nil, errors.New("app: a TTS provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		now:       time.Now,
		turn:      cfg.Turn.WithDefaults(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	gen := speculate.NewProviderGenerator(providers.LLM,
		speculate.WithSystemPrompt(a.turn.SystemPrompt),
	)
	factory, err := orchestrator.NewFactory(orchestrator.Deps{
		Generator:   gen,
		Synthesizer: providers.TTS,
		Voice:       cfg.Providers.Voice,
		Metrics:     a.metrics,
	}, orchestrator.WithClock(a.now))
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.factory = factory
	a.sessions = NewSessionManager(SessionManagerConfig{
		Factory:    factory,
		TurnConfig: a.TurnConfig,
		Metrics:    a.metrics,
	})

	slog.InfoContext(ctx, "app initialised",
		"llm", cfg.Providers.LLM.Name,
		"fallback_llms", len(cfg.Providers.FallbackLLM),
		"tts", cfg.Providers.TTS.Name,
	)
	return a, nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.sessions }

// TurnConfig returns the turn tunables new sessions start with.
func (a *App) TurnConfig() config.TurnConfig {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.turn
}

// UpdateTurnConfig replaces the turn tunables. Running sessions keep the
// values they started with.
func (a *App) UpdateTurnConfig(t config.TurnConfig) {
	a.mu.Lock()
	a.turn = t.WithDefaults()
	a.mu.Unlock()
}

// OnConfigChange applies a reloaded config. It has the signature expected by
// [config.NewWatcher]. Only the turn tunables are hot reloadable; provider
// changes are logged and need a restart.
func (a *App) OnConfigChange(old, updated *config.Config) {
	d := config.Diff(old, updated)
	if d.TurnChanged {
		a.UpdateTurnConfig(updated.Turn)
		slog.Info("turn tunables reloaded", "sections", d.TurnSections)
	}
	if d.ProvidersChanged || d.VoiceChanged {
		slog.Warn("provider change requires a restart",
			"providers_changed", d.ProvidersChanged,
			"voice_changed", d.VoiceChanged,
		)
	}
}

// Run blocks until ctx is cancelled. Sessions are started and fed through
// [App.Sessions]; Run only keeps the process attached to the app lifetime.
func (a *App) Run(ctx context.Context) error {
	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr)
	<-ctx.Done()
	return ctx.Err()
}

// Shutdown ends every session and then runs the registered closers. It
// respects the context deadline: if ctx expires, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.sessions.Len(), "closers", len(a.closers))

		if err := a.sessions.Shutdown(ctx); err != nil {
			shutdownErr = err
			return
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

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
