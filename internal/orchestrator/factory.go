package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/turnkeeper/internal/aggregate"
	"github.com/MrWong99/turnkeeper/internal/bargein"
	"github.com/MrWong99/turnkeeper/internal/config"
	"github.com/MrWong99/turnkeeper/internal/duplex"
	"github.com/MrWong99/turnkeeper/internal/observe"
	"github.com/MrWong99/turnkeeper/internal/speculate"
	"github.com/MrWong99/turnkeeper/pkg/provider/tts"
	"github.com/MrWong99/turnkeeper/pkg/types"
)

// Deps are the collaborators shared by every session of a [Factory]. They
// must be safe for concurrent use.
type Deps struct {
	// Generator produces response token streams. Required.
	Generator speculate.Generator

	// Synthesizer turns response text into audio. Required.
	Synthesizer tts.Provider

	// Voice is passed to every synthesis call.
	Voice tts.VoiceProfile

	// Metrics receives session instrumentation. Nil means
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Option configures a [Factory].
type Option func(*Factory)

// WithClock replaces time.Now for every session the factory starts.
func WithClock(now func() time.Time) Option {
	return func(f *Factory) { f.now = now }
}

// Factory starts independent sessions that share only their [Deps].
type Factory struct {
	deps Deps
	now  func() time.Time
}

// NewFactory validates deps and returns a Factory.
func NewFactory(deps Deps, opts ...Option) (*Factory, error) {
	if deps.Generator == nil {
		return nil, errors.New("orchestrator: generator is required")
	}
	if deps.Synthesizer == nil {
		return nil, errors.New("orchestrator: synthesizer is required")
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	f := &Factory{deps: deps, now: time.Now}
	for _, o := range opts {
		o(f)
	}
	return f, nil
}

// Start creates a session in LISTENING state. An empty id is replaced by a
// random one. Zero fields of cfg take their defaults. Cancelling ctx ends
// the session.
func (f *Factory) Start(ctx context.Context, id string, cfg config.TurnConfig) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	cfg = cfg.WithDefaults()
	sctx, cancel := context.WithCancel(observe.WithSessionID(ctx, id))

	s := &Session{
		id:      id,
		cfg:     cfg,
		deps:    f.deps,
		now:     f.now,
		log:     observe.Logger(sctx),
		metrics: f.deps.Metrics,
		ctx:     sctx,
		cancel:  cancel,
		events:  newQueue[event](),
		audio:   make(chan []byte, cfg.Output.AudioBuffer),
		done:    make(chan struct{}),
		state:   types.StateIdle,
		agg:     aggregate.New(cfg.Aggregation),
		barge:   bargein.New(cfg.BargeIn),
		duplex:  duplex.New(cfg.Duplex.Hangover),
		hist:    newHistory(cfg.HistoryTurns),
	}
	s.out = newOutbox(cfg.Output.DecisionBuffer, s.onDrop)
	s.out.start()
	s.gen = speculate.NewController(f.deps.Generator, cfg.Speculation, func(ev speculate.Event) {
		s.events.push(event{kind: evGeneration, gen: ev})
	}, speculate.WithLogger(s.log), speculate.WithClock(f.now))

	s.setState(types.StateListening, f.now(), false)
	s.log.Info("turn session started")

	go s.run()
	go func() {
		select {
		case <-ctx.Done():
			s.End()
		case <-s.done:
		}
	}()
	return s
}
