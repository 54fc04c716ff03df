package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/turnkeeper/internal/config"
	"github.com/MrWong99/turnkeeper/internal/normalize"
	"github.com/MrWong99/turnkeeper/internal/observe"
	"github.com/MrWong99/turnkeeper/internal/orchestrator"
	"github.com/MrWong99/turnkeeper/pkg/provider/stt"
	"github.com/MrWong99/turnkeeper/pkg/provider/vad"
	"github.com/MrWong99/turnkeeper/pkg/types"
)

var (
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("app: session not found")

	// ErrSessionExists is returned when starting a session with an id that
	// is already live.
	ErrSessionExists = errors.New("app: session already exists")

	// ErrManagerClosed is returned by Start after Shutdown.
	ErrManagerClosed = errors.New("app: session manager is shut down")
)

// errSourceDone stops the sibling pumps of a session that went away.
var errSourceDone = errors.New("app: source done")

// SessionInfo holds metadata about a live session.
type SessionInfo struct {
	// SessionID is the unique identifier for this session.
	SessionID string

	// StartedAt is when the session was started.
	StartedAt time.Time
}

type managed struct {
	session *orchestrator.Session
	info    SessionInfo
}

// SessionManager runs any number of independent turn sessions.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*managed
	closed   bool

	factory    *orchestrator.Factory
	turn       func() config.TurnConfig
	metrics    *observe.Metrics
	normalizer normalize.Normalizer
	now        func() time.Time
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	// Factory starts the sessions. Required.
	Factory *orchestrator.Factory

	// TurnConfig returns the tunables for a new session. Nil means
	// [config.DefaultTurnConfig].
	TurnConfig func() config.TurnConfig

	// Metrics receives the active session count. Nil means
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Normalizer converts provider transcripts in the pumps.
	Normalizer normalize.Normalizer

	// Now stamps pumped signals. Nil means time.Now.
	Now func() time.Time
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		sessions:   make(map[string]*managed),
		factory:    cfg.Factory,
		turn:       cfg.TurnConfig,
		metrics:    cfg.Metrics,
		normalizer: cfg.Normalizer,
		now:        cfg.Now,
	}
	if sm.turn == nil {
		sm.turn = config.DefaultTurnConfig
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.now == nil {
		sm.now = time.Now
	}
	return sm
}

// Start begins a new session with the current turn tunables. An empty id
// gets a random one. Cancelling ctx ends the session.
func (sm *SessionManager) Start(ctx context.Context, id string) (*orchestrator.Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.closed {
		return nil, ErrManagerClosed
	}
	if id == "" {
		id = uuid.NewString()
	}
	if _, ok := sm.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, id)
	}

	s := sm.factory.Start(ctx, id, sm.turn())
	sm.sessions[id] = &managed{
		session: s,
		info:    SessionInfo{SessionID: id, StartedAt: sm.now().UTC()},
	}
	sm.metrics.ActiveSessions.Add(ctx, 1)
	go sm.reap(id, s)

	slog.Info("session started", "session_id", id, "active", len(sm.sessions))
	return s, nil
}

// reap forgets a session once its event loop has stopped, however it ended.
func (sm *SessionManager) reap(id string, s *orchestrator.Session) {
	<-s.Done()
	sm.mu.Lock()
	if m, ok := sm.sessions[id]; ok && m.session == s {
		delete(sm.sessions, id)
	}
	sm.mu.Unlock()
	sm.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Info("session stopped", "session_id", id)
}

// Get returns the live session with the given id.
func (sm *SessionManager) Get(id string) (*orchestrator.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	m, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	return m.session, true
}

// Info returns metadata about the live session with the given id.
func (sm *SessionManager) Info(id string) (SessionInfo, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	m, ok := sm.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return m.info, true
}

// List returns all live sessions, oldest first.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for _, m := range sm.sessions {
		out = append(out, m.info)
	}
	sm.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.SessionID, b.SessionID)
	})
	return out
}

// Len returns the number of live sessions.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// Check fails once the manager is shut down. It has the signature of a
// readiness check.
func (sm *SessionManager) Check(context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closed {
		return ErrManagerClosed
	}
	return nil
}

// End terminates the session with the given id and blocks until its output
// streams are closed.
func (sm *SessionManager) End(id string) error {
	s, ok := sm.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.End()
	return nil
}

// Shutdown ends every session concurrently and refuses new ones. It returns
// the context error if ctx expires first; sessions keep ending in the
// background.
func (sm *SessionManager) Shutdown(ctx context.Context) error {
	sm.mu.Lock()
	sm.closed = true
	live := make([]*orchestrator.Session, 0, len(sm.sessions))
	for _, m := range sm.sessions {
		live = append(live, m.session)
	}
	sm.mu.Unlock()

	var g errgroup.Group
	for _, s := range live {
		g.Go(func() error {
			s.End()
			return nil
		})
	}
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("app: shutdown sessions: %w", ctx.Err())
	}
}

// ─── pumps ───────────────────────────────────────────────────────────────────

// Inputs are the producers feeding one session. Nil fields are skipped.
type Inputs struct {
	Transcripts stt.SessionHandle
	Frontend    <-chan vad.VADEvent
	Backend     <-chan vad.VADEvent
}

// Attach pumps every input into s until all inputs are exhausted, s ends,
// or ctx is cancelled. A failing pump stops the others.
func (sm *SessionManager) Attach(ctx context.Context, s *orchestrator.Session, in Inputs) error {
	g, gctx := errgroup.WithContext(ctx)
	if in.Transcripts != nil {
		g.Go(func() error { return sm.PumpTranscripts(gctx, s, in.Transcripts) })
	}
	if in.Frontend != nil {
		g.Go(func() error { return sm.PumpVAD(gctx, s, types.SourceFrontend, in.Frontend) })
	}
	if in.Backend != nil {
		g.Go(func() error { return sm.PumpVAD(gctx, s, types.SourceBackend, in.Backend) })
	}
	return g.Wait()
}

// PumpTranscripts forwards partial and final transcripts from h into s. Both
// channels are read by one loop so transcripts reach s in the order they were
// received. It returns nil once both channels are closed or s has ended, and
// the context error if ctx is cancelled. h is closed on return.
func (sm *SessionManager) PumpTranscripts(ctx context.Context, s *orchestrator.Session, h stt.SessionHandle) error {
	defer func() {
		if err := h.Close(); err != nil {
			slog.Warn("closing transcript source", "session_id", s.ID(), "err", err)
		}
	}()

	partials, finals := h.Partials(), h.Finals()
	for partials != nil || finals != nil {
		var (
			t  stt.Transcript
			ok bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Done():
			return nil
		case t, ok = <-partials:
			if !ok {
				partials = nil
				continue
			}
		case t, ok = <-finals:
			if !ok {
				finals = nil
				continue
			}
		}
		f := sm.normalizer.Transcript(t, sm.now())
		if f.Text == "" {
			continue
		}
		if err := s.SubmitTranscriptFragment(f); err != nil {
			if errors.Is(err, types.ErrSessionClosed) {
				return nil
			}
			return fmt.Errorf("app: pump into session %s: %w", s.ID(), err)
		}
	}
	return nil
}

// PumpVAD forwards detector events from events into s, tagged with src.
// It returns like [SessionManager.PumpTranscripts].
func (sm *SessionManager) PumpVAD(ctx context.Context, s *orchestrator.Session, src types.VoiceSource, events <-chan vad.VADEvent) error {
	return finish(pump(ctx, s, events, func(ev vad.VADEvent) error {
		return s.SubmitVADSignal(normalize.FromVAD(src, ev, sm.now()))
	}))
}

// pump feeds every value of ch to submit. A closed channel or an ended
// session stops it with errSourceDone.
func pump[T any](ctx context.Context, s *orchestrator.Session, ch <-chan T, submit func(T) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.Done():
			return errSourceDone
		case v, ok := <-ch:
			if !ok {
				return nil
			}
			if err := submit(v); err != nil {
				if errors.Is(err, types.ErrSessionClosed) {
					return errSourceDone
				}
				return fmt.Errorf("app: pump into session %s: %w", s.ID(), err)
			}
		}
	}
}

func finish(err error) error {
	if errors.Is(err, errSourceDone) {
		return nil
	}
	return err
}
