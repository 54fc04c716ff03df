// Package speculate runs response generations, including speculative ones
// started before the user's utterance is final.
//
// A [Controller] owns at most one generation at a time. Starting a new one
// cancels the previous one synchronously: the call does not return until
// the old stream has been released or CancelGrace has passed. Generation
// output never touches session state directly; tokens and completion are
// reported through the emit callback, which the turn session wires to its
// own event queue.
package speculate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/turnkeeper/pkg/provider/llm"
	"github.com/MrWong99/turnkeeper/pkg/types"
)

// Config holds the speculation tunables.
type Config struct {
	// Disabled turns off speculative starts. Committed generations still run.
	Disabled bool `yaml:"disabled"`

	// SimilarityThreshold is the minimum per-word similarity between the
	// speculative seed and the final transcript for the result to be reused.
	SimilarityThreshold float64 `yaml:"similarity_threshold"`

	// MaxExtraWords is how many trailing words the final transcript may add
	// to the seed and still confirm it.
	MaxExtraWords int `yaml:"max_extra_words"`

	// CancelGrace bounds how long a cancellation waits for the stream to be
	// released.
	CancelGrace time.Duration `yaml:"cancel_grace"`
}

// DefaultConfig returns the default speculation tunables.
func DefaultConfig() Config {
	return Config{
		SimilarityThreshold: 0.85,
		MaxExtraWords:       3,
		CancelGrace:         250 * time.Millisecond,
	}
}

// WithDefaults returns c with zero fields replaced by defaults.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = d.SimilarityThreshold
	}
	if c.MaxExtraWords == 0 {
		c.MaxExtraWords = d.MaxExtraWords
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = d.CancelGrace
	}
	return c
}

// Event reports generation progress. Exactly one Done event is emitted per
// generation, after its last token.
type Event struct {
	GenerationID string
	Token        string
	Done         bool

	// Err is set on Done: nil for a completed generation,
	// [types.ErrGenerationCancelled], or an error wrapping
	// [types.ErrGenerationFailed].
	Err error
}

// Info is a snapshot of a generation.
type Info struct {
	ID          string
	Seed        string
	Speculative bool
	Status      types.GenerationStatus
	Buffered    string
	Done        bool
	StartedAt   time.Time
}

// CommitResult describes how a final utterance was reconciled.
type CommitResult struct {
	Info

	// Reused is true when a running speculation was confirmed.
	Reused bool

	// Diverged is set when a speculation existed but did not match.
	Diverged bool

	// Match holds the similarity check when a speculation was compared.
	Match Match
}

type generation struct {
	id          string
	seed        string
	speculative bool
	status      types.GenerationStatus
	buf         strings.Builder
	done        bool
	startedAt   time.Time

	cancel   context.CancelFunc
	released chan struct{}
}

func (g *generation) info() Info {
	return Info{
		ID:          g.id,
		Seed:        g.seed,
		Speculative: g.speculative,
		Status:      g.status,
		Buffered:    g.buf.String(),
		Done:        g.done,
		StartedAt:   g.startedAt,
	}
}

// Controller runs at most one generation at a time. Apart from
// [Controller.Inflight], its methods must be called from a single goroutine.
type Controller struct {
	gen  Generator
	cfg  Config
	emit func(Event)
	log  *slog.Logger
	now  func() time.Time

	active   *generation
	inflight atomic.Int32
	leaks    int
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. Default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithClock overrides the clock used for StartedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// NewController returns a Controller. emit receives every [Event] and must
// not block.
func NewController(gen Generator, cfg Config, emit func(Event), opts ...Option) *Controller {
	c := &Controller{
		gen:  gen,
		cfg:  cfg.WithDefaults(),
		emit: emit,
		log:  slog.Default(),
		now:  time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Controller) Config() Config { return c.cfg }

// Speculate starts a speculative generation for a partial utterance,
// cancelling any prior generation first. It returns false when speculation
// is disabled or the running speculation already has the same seed.
func (c *Controller) Speculate(ctx context.Context, req Request) (Info, bool) {
	if c.cfg.Disabled {
		return Info{}, false
	}
	if g := c.active; g != nil && g.speculative && g.status == types.GenerationRunning && sameText(g.seed, req.Utterance) {
		return g.info(), false
	}
	c.stopActive(types.GenerationCancelled)
	g := c.start(ctx, req, true)
	return g.info(), true
}

// Commit reconciles the final utterance with the active speculation. A
// matching speculation is confirmed and reused; otherwise any active
// generation is stopped and a fresh one is started for req.
func (c *Controller) Commit(ctx context.Context, req Request) CommitResult {
	var res CommitResult
	if g := c.active; g != nil && g.speculative {
		reusable := g.status == types.GenerationRunning || g.status == types.GenerationCompleted
		res.Match = Reconcile(g.seed, req.Utterance, c.cfg.SimilarityThreshold, c.cfg.MaxExtraWords)
		if reusable && res.Match.Confirmed {
			g.speculative = false
			if g.status == types.GenerationRunning {
				g.status = types.GenerationConfirmed
			}
			res.Info = g.info()
			res.Reused = true
			return res
		}
		res.Diverged = true
		c.stopActive(types.GenerationDiverged)
	} else {
		c.stopActive(types.GenerationCancelled)
	}
	g := c.start(ctx, req, false)
	res.Info = g.info()
	return res
}

// OnToken records a token for generation id. It returns false for tokens of
// a generation that is no longer active.
func (c *Controller) OnToken(id, text string) (Info, bool) {
	g := c.active
	if g == nil || g.id != id || g.done || !live(g.status) {
		return Info{}, false
	}
	g.buf.WriteString(text)
	return g.info(), true
}

// OnDone records the end of generation id. It returns false for a
// generation that is no longer active.
func (c *Controller) OnDone(id string, err error) (Info, bool) {
	g := c.active
	if g == nil || g.id != id || g.done {
		return Info{}, false
	}
	g.done = true
	switch {
	case err == nil:
		if live(g.status) {
			g.status = types.GenerationCompleted
		}
	case errors.Is(err, types.ErrGenerationCancelled):
		if live(g.status) {
			g.status = types.GenerationCancelled
		}
	default:
		g.status = types.GenerationFailed
	}
	return g.info(), true
}

// Cancel stops the active generation, if any, and forgets it.
func (c *Controller) Cancel() {
	c.stopActive(types.GenerationCancelled)
}

// Clear forgets a finished active generation without cancelling anything.
func (c *Controller) Clear() {
	if c.active != nil && c.active.done {
		c.active = nil
	}
}

// Active returns the active generation.
func (c *Controller) Active() (Info, bool) {
	if c.active == nil {
		return Info{}, false
	}
	return c.active.info(), true
}

// RunningCount returns the number of generations in running state: zero or
// one.
func (c *Controller) RunningCount() int {
	if c.active != nil && c.active.status == types.GenerationRunning {
		return 1
	}
	return 0
}

// Inflight returns the number of generation goroutines that have not yet
// released their stream. Safe for concurrent use.
func (c *Controller) Inflight() int { return int(c.inflight.Load()) }

// Leaks returns how many cancellations gave up waiting after CancelGrace.
func (c *Controller) Leaks() int { return c.leaks }

func (c *Controller) start(ctx context.Context, req Request, speculative bool) *generation {
	gctx, cancel := context.WithCancel(ctx)
	g := &generation{
		id:          uuid.NewString(),
		seed:        req.Utterance,
		speculative: speculative,
		status:      types.GenerationRunning,
		startedAt:   c.now(),
		cancel:      cancel,
		released:    make(chan struct{}),
	}
	c.active = g
	c.inflight.Add(1)
	go c.run(gctx, g, req)
	return g
}

// stopActive cancels the active generation and waits for its stream to be
// released, bounded by CancelGrace.
func (c *Controller) stopActive(status types.GenerationStatus) {
	g := c.active
	if g == nil {
		return
	}
	c.active = nil
	if !g.done {
		g.status = status
	}
	g.cancel()

	timer := time.NewTimer(c.cfg.CancelGrace)
	defer timer.Stop()
	select {
	case <-g.released:
	case <-timer.C:
		c.leaks++
		c.log.Warn("speculate: generation did not release its stream within grace period",
			"generation_id", g.id,
			"grace", c.cfg.CancelGrace,
		)
	}
}

// run drives one generation stream until it closes.
func (c *Controller) run(ctx context.Context, g *generation, req Request) {
	defer close(g.released)
	defer c.inflight.Add(-1)

	ch, err := c.gen.Generate(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			err = types.ErrGenerationCancelled
		} else {
			err = fmt.Errorf("%w: %w", types.ErrGenerationFailed, err)
		}
		c.emit(Event{GenerationID: g.id, Done: true, Err: err})
		return
	}

	var failed error
	for chunk := range ch {
		if chunk.FinishReason == llm.FinishReasonError {
			failed = fmt.Errorf("%w: %s", types.ErrGenerationFailed, chunk.Text)
			continue
		}
		if chunk.Text != "" && failed == nil && ctx.Err() == nil {
			c.emit(Event{GenerationID: g.id, Token: chunk.Text})
		}
	}

	var doneErr error
	switch {
	case ctx.Err() != nil:
		doneErr = types.ErrGenerationCancelled
	case failed != nil:
		doneErr = failed
	}
	c.emit(Event{GenerationID: g.id, Done: true, Err: doneErr})
}

func live(s types.GenerationStatus) bool {
	return s == types.GenerationRunning || s == types.GenerationConfirmed
}
