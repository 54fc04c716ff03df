// Package orchestrator runs the per-session turn-taking state machine.
//
// A [Session] owns every piece of turn state: the utterance aggregator, the
// barge-in decider, the duplex manager, the generation controller and the
// response being synthesised. All of it is mutated by one goroutine that
// handles a FIFO event queue, strictly in arrival order. Transcript and VAD
// producers, generation and audio goroutines, and timers only push events.
//
// The session reports everything it decides on a bounded [Decision] stream.
// State transitions are never dropped from it; when the consumer falls
// behind, the oldest non-critical decision is discarded instead.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/turnkeeper/internal/aggregate"
	"github.com/MrWong99/turnkeeper/internal/bargein"
	"github.com/MrWong99/turnkeeper/internal/completion"
	"github.com/MrWong99/turnkeeper/internal/config"
	"github.com/MrWong99/turnkeeper/internal/duplex"
	"github.com/MrWong99/turnkeeper/internal/observe"
	"github.com/MrWong99/turnkeeper/internal/speculate"
	"github.com/MrWong99/turnkeeper/internal/truncate"
	"github.com/MrWong99/turnkeeper/pkg/types"
)

// ErrSynthesisFailed is reported when the synthesizer closed its audio
// stream before the whole response was handed to it.
var ErrSynthesisFailed = errors.New("orchestrator: synthesis stopped early")

// Repair reasons reported on [DecisionRepair] decisions.
const (
	RepairLowConfidence    = "low_confidence"
	RepairFrustration      = "frustration"
	RepairFrustrationCue   = "frustration_cue"
	RepairGenerationFailed = "generation_failed"
)

// Snapshot is a consistent view of a session taken after an event was
// handled.
type Snapshot struct {
	SessionID string
	State     types.TurnState
	Duplex    types.DuplexState

	// GenerationID and GenerationStatus describe the active generation.
	GenerationID       string
	GenerationStatus   types.GenerationStatus
	RunningGenerations int

	OpenUtterance    string
	HeldUtterances   int
	HistoryMessages  int
	PlaybackMs       int64
	DroppedDecisions int64
}

// ─── events ──────────────────────────────────────────────────────────────────

type eventKind int

const (
	evFragment eventKind = iota
	evVAD
	evProsody
	evExternal
	evTimer
	evGeneration
	evAudioStarted
	evSpeechDone
	evCall
	evEnd
)

func (k eventKind) String() string {
	switch k {
	case evFragment:
		return "fragment"
	case evVAD:
		return "vad"
	case evProsody:
		return "prosody"
	case evExternal:
		return "external_score"
	case evTimer:
		return "timer"
	case evGeneration:
		return "generation"
	case evAudioStarted:
		return "audio_started"
	case evSpeechDone:
		return "speech_done"
	case evCall:
		return "call"
	case evEnd:
		return "end"
	default:
		return "unknown"
	}
}

type event struct {
	kind eventKind

	fragment types.TranscriptFragment
	vad      types.VADSignal
	prosody  types.Prosody
	score    float64

	timer timerKind
	token uint64

	gen      speculate.Event
	speechID uint64
	err      error

	call func(now time.Time)
}

type timerKind int

const (
	timerDeadline timerKind = iota
	timerPause
	timerRollback
	timerHangover
	numTimers
)

// timerSlot is an armed timer. Its token is stamped on the event the timer
// pushes, so a fire from a superseded timer is recognised and ignored.
type timerSlot struct {
	token uint64
	timer *time.Timer
}

// ─── session ─────────────────────────────────────────────────────────────────

// Session is one voice conversation. Its Submit methods and End are safe for
// concurrent use; everything else happens on the session's event loop.
type Session struct {
	id      string
	cfg     config.TurnConfig
	deps    Deps
	now     func() time.Time
	log     *slog.Logger
	metrics *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	events  *queue[event]
	out     *outbox
	audio   chan []byte
	snap    atomic.Pointer[Snapshot]
	dropped atomic.Int64

	done    chan struct{}
	endOnce sync.Once
	wg      sync.WaitGroup

	// Owned by the event loop.
	state  types.TurnState
	agg    *aggregate.Aggregator
	barge  *bargein.Decider
	duplex *duplex.Manager
	gen    *speculate.Controller
	hist   *history

	timers   [numTimers]timerSlot
	timerSeq uint64

	prosody     types.Prosody
	external    float64
	hasExternal bool

	// committed is the utterance the current response answers.
	committed    *types.AggregatedUtterance
	held         []types.AggregatedUtterance
	continuation string

	speech       *speech
	speechSeq    uint64
	firstTokenOf string

	// provisionalPos is the playback position when the pending barge-in
	// was first raised.
	provisionalPos int64
	interrupts     []time.Time
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Config returns the turn tunables the session runs with.
func (s *Session) Config() config.TurnConfig { return s.cfg }

// SubmitTranscriptFragment queues a normalised transcript fragment.
func (s *Session) SubmitTranscriptFragment(f types.TranscriptFragment) error {
	if f.ReceivedAt.IsZero() {
		f.ReceivedAt = s.now()
	}
	return s.submit(event{kind: evFragment, fragment: f})
}

// SubmitVADSignal queues a signal from either voice activity detector.
// Freshness is judged against the signal's own timestamp when it is handled.
func (s *Session) SubmitVADSignal(sig types.VADSignal) error {
	return s.submit(event{kind: evVAD, vad: sig})
}

// SubmitProsody records the latest intonation hint for completion scoring.
func (s *Session) SubmitProsody(p types.Prosody) error {
	return s.submit(event{kind: evProsody, prosody: p})
}

// SubmitExternalScore records a completion confidence in [0, 1] from an
// external end-of-turn detector. It is blended into completion scoring
// until the next utterance is committed.
func (s *Session) SubmitExternalScore(score float64) error {
	if score < 0 || score > 1 {
		return fmt.Errorf("orchestrator: external score %.3f outside [0,1]", score)
	}
	return s.submit(event{kind: evExternal, score: score})
}

// SubmitPlaybackProgress reports how many milliseconds of the current
// response the transport has actually played. Without reports, playback is
// estimated from the time since the first audio chunk.
func (s *Session) SubmitPlaybackProgress(playedMs int64) error {
	return s.submit(event{kind: evCall, call: func(time.Time) {
		if s.speech != nil {
			s.speech.report(playedMs)
		}
	}})
}

// SubmitWordTiming reports the real audio position of word index of the
// current response, as measured by the synthesizer.
func (s *Session) SubmitWordTiming(index int, startMs, endMs int64) error {
	return s.submit(event{kind: evCall, call: func(time.Time) {
		if s.speech != nil && !s.speech.timeline.Align(index, startMs, endMs) {
			s.log.Debug("word timing out of range", "index", index)
		}
	}})
}

// Decisions returns the decision stream. It is closed after End.
func (s *Session) Decisions() <-chan Decision { return s.out.C() }

// Audio returns the response audio in the synthesizer's format. It is
// closed after End.
func (s *Session) Audio() <-chan []byte { return s.audio }

// Snapshot returns the state as of the last handled event.
func (s *Session) Snapshot() Snapshot { return *s.snap.Load() }

// Done is closed once the event loop has stopped.
func (s *Session) Done() <-chan struct{} { return s.done }

// End terminates the session: every generation and synthesis is cancelled,
// the state moves to IDLE, and the output streams are closed. Queued events
// ahead of the end are still handled. End blocks until the decision stream
// was drained, for at most a second if nobody reads it. It is idempotent.
func (s *Session) End() {
	s.endOnce.Do(func() {
		s.events.push(event{kind: evEnd})
		s.events.close()
		<-s.done
		s.wg.Wait()
		close(s.audio)
		s.out.close()
		s.cancel()
	})
}

func (s *Session) submit(ev event) error {
	if !s.events.push(ev) {
		return types.ErrSessionClosed
	}
	return nil
}

// ─── event loop ──────────────────────────────────────────────────────────────

func (s *Session) run() {
	defer close(s.done)
	for {
		ev, ok := s.events.next(context.Background())
		if !ok || ev.kind == evEnd {
			s.shutdown(s.now())
			return
		}
		s.dispatch(ev)
	}
}

func (s *Session) dispatch(ev event) {
	now := s.now()
	defer func() {
		if r := recover(); r != nil {
			s.toListening(now, fmt.Errorf("orchestrator: %s handler panicked: %v", ev.kind, r))
		}
		s.publish()
	}()

	switch ev.kind {
	case evFragment:
		s.onFragment(ev.fragment, now)
	case evVAD:
		s.onVAD(ev.vad, now)
	case evProsody:
		s.prosody = ev.prosody
	case evExternal:
		s.external, s.hasExternal = ev.score, true
	case evTimer:
		s.onTimer(ev.timer, ev.token, now)
	case evGeneration:
		s.onGeneration(ev.gen, now)
	case evAudioStarted:
		s.onAudioStarted(ev.speechID, now)
	case evSpeechDone:
		s.onSpeechDone(ev.speechID, ev.err, now)
	case evCall:
		ev.call(now)
	}
}

func (s *Session) shutdown(now time.Time) {
	s.stopSpeech()
	s.gen.Cancel()
	for k := range s.timers {
		s.disarm(timerKind(k))
	}
	s.barge.Reset()
	s.agg.Discard()
	s.held = nil
	s.setState(types.StateIdle, now, false)
	s.log.Info("turn session ended", "history_messages", s.hist.len())
}

// ─── state ───────────────────────────────────────────────────────────────────

// transition moves to a legal next state. An illegal move is a defect: it
// is logged, reported, and recovered by forcing LISTENING.
func (s *Session) transition(to types.TurnState, now time.Time) error {
	from := s.state
	if from == to {
		return nil
	}
	if !Legal(from, to) {
		err := fmt.Errorf("orchestrator: %w: %s -> %s", types.ErrInvalidTransition, from, to)
		s.toListening(now, err)
		return err
	}
	s.setState(to, now, false)
	return nil
}

// setState is the only writer of the turn state and of the AI side of the
// duplex state, which keeps AISpeaking true exactly while SPEAKING.
func (s *Session) setState(to types.TurnState, now time.Time, recovered bool) {
	from := s.state
	s.state = to
	s.duplex.SetAISpeaking(to == types.StateSpeaking)
	if from == types.StateSpeaking {
		s.barge.Reset()
		s.disarm(timerRollback)
	}

	s.emit(Decision{Kind: DecisionTransition, At: now, From: from, To: to, Recovered: recovered})
	s.metrics.RecordTransition(s.ctx, from.String(), to.String())
	s.log.Debug("turn transition", "from", from, "to", to, "recovered", recovered)
	s.publish()
}

// toListening is the common exit of every turn, normal or failed. It stops
// generation and synthesis, moves to LISTENING and picks up any user speech
// that arrived in the meantime. A non-nil err is logged and reported.
func (s *Session) toListening(now time.Time, err error) {
	if err != nil {
		s.log.Error("turn handling failed, resetting to listening", "state", s.state, "err", err)
		s.emit(Decision{Kind: DecisionError, At: now, Err: err})
	}
	s.gen.Cancel()
	s.stopSpeech()
	s.committed = nil
	s.disarm(timerPause)
	if s.state != types.StateListening {
		s.setState(types.StateListening, now, !Legal(s.state, types.StateListening))
	}
	s.resumeListening(now)
}

// resumeListening replays utterances held back while the AI spoke and
// returns to AGGREGATING when user speech is pending.
func (s *Session) resumeListening(now time.Time) {
	if s.state != types.StateListening {
		return
	}
	if len(s.held) > 0 {
		u := mergeUtterances(s.held...)
		s.held = nil
		s.agg.Reopen(u, now, s.cfg.Aggregation.ExtensionWindow)
	}
	if !s.agg.Open() {
		return
	}
	if s.transition(types.StateAggregating, now) != nil {
		return
	}
	s.armDeadline()
}

func (s *Session) emit(d Decision) { s.out.push(d) }

func (s *Session) onDrop(d Decision) {
	s.dropped.Add(1)
	s.metrics.RecordDropped(s.ctx, d.Kind.String())
}

func (s *Session) publish() {
	snap := Snapshot{
		SessionID:          s.id,
		State:              s.state,
		Duplex:             s.duplex.Snapshot(),
		RunningGenerations: s.gen.RunningCount(),
		HeldUtterances:     len(s.held),
		HistoryMessages:    s.hist.len(),
		DroppedDecisions:   s.dropped.Load(),
	}
	if info, ok := s.gen.Active(); ok {
		snap.GenerationID = info.ID
		snap.GenerationStatus = info.Status
	}
	if u, ok := s.agg.Peek(); ok {
		snap.OpenUtterance = u.Text
	}
	if s.speech != nil {
		snap.PlaybackMs = s.speech.position(s.now())
	}
	s.snap.Store(&snap)
}

// ─── timers ──────────────────────────────────────────────────────────────────

func (s *Session) arm(kind timerKind, at time.Time) {
	s.disarm(kind)
	s.timerSeq++
	token := s.timerSeq
	d := at.Sub(s.now())
	if d < 0 {
		d = 0
	}
	s.timers[kind] = timerSlot{
		token: token,
		timer: time.AfterFunc(d, func() {
			s.events.push(event{kind: evTimer, timer: kind, token: token})
		}),
	}
}

func (s *Session) disarm(kind timerKind) {
	if t := s.timers[kind].timer; t != nil {
		t.Stop()
	}
	s.timers[kind] = timerSlot{}
}

func (s *Session) armDeadline() {
	if s.agg.Open() {
		s.arm(timerDeadline, s.agg.Deadline())
	}
}

func (s *Session) onTimer(kind timerKind, token uint64, now time.Time) {
	if s.timers[kind].token != token {
		return
	}
	s.timers[kind] = timerSlot{}

	switch kind {
	case timerDeadline:
		u, ok := s.agg.Expire(now)
		if !ok {
			s.armDeadline()
			return
		}
		s.finalized(u, now)
	case timerPause:
		if s.state == types.StateAggregating {
			s.considerSpeculation(now, false)
		}
	case timerRollback:
		s.onRollback(now)
	case timerHangover:
		if at := s.duplex.Tick(now); !at.IsZero() {
			s.arm(timerHangover, at)
		}
	}
}

// ─── user speech ─────────────────────────────────────────────────────────────

func (s *Session) onFragment(f types.TranscriptFragment, now time.Time) {
	switch s.state {
	case types.StateIdle:
		return
	case types.StateGenerating:
		if s.committed != nil && aggregate.Covers(s.committed.Text, f.Text) {
			s.log.Debug("fragment restates committed utterance", "final", f.IsFinal)
			return
		}
		if strings.TrimSpace(f.Text) != "" && !s.abandonGeneration(now) {
			return
		}
	}

	finalized, accepted := s.agg.Add(f, now)
	if !accepted {
		s.log.Debug("fragment dropped", "final", f.IsFinal, "end_ms", f.EndMs)
		s.armDeadline()
		return
	}
	if s.state == types.StateListening {
		if s.transition(types.StateAggregating, now) != nil {
			return
		}
	}
	for _, u := range finalized {
		s.finalized(u, now)
	}
	s.armDeadline()
	if s.state == types.StateAggregating && !f.IsFinal {
		s.considerSpeculation(now, true)
	}
}

// abandonGeneration handles a user who keeps talking before any audio was
// played: the response is cancelled and the committed utterance goes back
// into the aggregator so the new words extend it.
func (s *Session) abandonGeneration(now time.Time) bool {
	committed := s.committed
	s.gen.Cancel()
	s.stopSpeech()
	s.committed = nil
	s.metrics.RecordSpeculation(s.ctx, "abandoned")
	if s.transition(types.StateAggregating, now) != nil {
		return false
	}
	if committed != nil {
		s.agg.Reopen(*committed, now, s.cfg.Aggregation.ExtensionWindow)
	}
	return true
}

// finalized decides what to do with an utterance the aggregator closed.
func (s *Session) finalized(u types.AggregatedUtterance, now time.Time) {
	switch s.state {
	case types.StateSpeaking:
		if completion.IsBackchannel(u.Text, s.cfg.Completion.Language) {
			s.log.Debug("backchannel dropped while speaking", "text", u.Text)
			return
		}
		s.held = append(s.held, u)
		return
	case types.StateGenerating:
		committed := s.committed
		if !s.abandonGeneration(now) {
			return
		}
		s.agg.Discard()
		if committed != nil {
			u = mergeUtterances(*committed, u)
		}
	case types.StateListening:
		if s.transition(types.StateAggregating, now) != nil {
			return
		}
	case types.StateAggregating:
	default:
		s.held = append(s.held, u)
		return
	}
	s.decide(u, now)
}

// decide commits u to generation or reopens it. A hard final commits only
// when the analyzer calls it complete; window expiry commits unless the
// user is clearly mid-thought. MaxHold bounds how long either can stall.
func (s *Session) decide(u types.AggregatedUtterance, now time.Time) {
	res := s.analyze(u.Text, now.Sub(u.LastFragmentAt))
	commit, reason := res.Verdict == completion.Complete, "complete"
	if !commit && !u.HardFinal && res.Verdict == completion.Uncertain {
		commit, reason = true, "window_expired"
	}
	if !commit && now.Sub(u.WindowStart) >= s.cfg.Aggregation.MaxHold {
		commit, reason = true, "max_hold"
	}
	if !commit {
		window := s.cfg.Aggregation.ExtensionWindow
		if res.Verdict == completion.Continuing {
			window = s.cfg.Aggregation.BaseWindow
		}
		s.agg.Reopen(u, now, window)
		s.armDeadline()
		s.log.Debug("utterance kept open", "verdict", res.Verdict, "score", res.Score, "hard_final", u.HardFinal)
		return
	}
	s.commit(u, res, reason, now)
}

func (s *Session) analyze(text string, pause time.Duration) completion.Result {
	return completion.Analyze(completion.Input{
		Text:        text,
		Pause:       pause,
		Prosody:     s.prosody,
		External:    s.external,
		HasExternal: s.hasExternal,
	}, s.cfg.Completion)
}

// considerSpeculation starts a speculative generation when the open partial
// already reads as complete. Otherwise a pause check is scheduled so a
// silence after the last fragment can still trigger one.
func (s *Session) considerSpeculation(now time.Time, schedule bool) {
	if s.gen.Config().Disabled {
		return
	}
	u, ok := s.agg.Peek()
	if !ok {
		return
	}
	res := s.analyze(u.Text, now.Sub(u.LastFragmentAt))
	if res.Verdict != completion.Complete {
		if schedule {
			s.arm(timerPause, u.LastFragmentAt.Add(s.cfg.Completion.PauseThreshold))
		}
		return
	}
	s.disarm(timerPause)

	info, started := s.gen.Speculate(s.ctx, s.request(u.Text))
	if !started {
		return
	}
	s.metrics.RecordSpeculation(s.ctx, "started")
	s.emit(Decision{Kind: DecisionSpeculation, At: now, GenerationID: info.ID, Text: u.Text, Reason: "started", Score: res.Score})
	s.log.Debug("speculative generation started", "generation_id", info.ID, "score", res.Score)
}

func (s *Session) request(text string) speculate.Request {
	return speculate.Request{
		Utterance:    text,
		History:      s.hist.messages(),
		Continuation: s.continuation,
		SystemPrompt: s.cfg.SystemPrompt,
	}
}

// ─── generation ──────────────────────────────────────────────────────────────

func (s *Session) commit(u types.AggregatedUtterance, res completion.Result, reason string, now time.Time) {
	ctx, span := observe.StartSpan(s.ctx, "turn.commit", trace.WithAttributes(
		attribute.String("verdict", res.Verdict.String()),
		attribute.String("reason", reason),
		attribute.Int("fragments", u.FragmentCount),
	))
	defer span.End()

	s.disarm(timerDeadline)
	s.disarm(timerPause)
	s.emit(Decision{Kind: DecisionUtterance, At: now, Utterance: u, Verdict: res.Verdict, Score: res.Score, Reason: reason})
	if s.transition(types.StateGenerating, now) != nil {
		return
	}

	cr := s.gen.Commit(s.ctx, s.request(u.Text))
	s.continuation = ""
	s.prosody = types.Prosody{}
	s.hasExternal = false

	outcome := "fresh"
	switch {
	case cr.Reused:
		outcome = "reused"
	case cr.Diverged:
		outcome = "diverged"
	}
	span.SetAttributes(attribute.String("speculation", outcome), attribute.String("generation_id", cr.ID))
	s.metrics.RecordSpeculation(ctx, outcome)
	s.emit(Decision{Kind: DecisionSpeculation, At: now, GenerationID: cr.ID, Text: cr.Seed, Reason: outcome})
	s.log.Info("utterance committed", "reason", reason, "speculation", outcome, "generation_id", cr.ID)

	committed := u
	s.committed = &committed
	if err := s.startSpeech(cr.Info, now); err != nil {
		s.turnFailed(now, err)
	}
}

func (s *Session) onGeneration(ev speculate.Event, now time.Time) {
	if ev.Done {
		s.generationDone(ev, now)
		return
	}
	info, ok := s.gen.OnToken(ev.GenerationID, ev.Token)
	if !ok {
		return
	}
	if s.firstTokenOf != info.ID {
		s.firstTokenOf = info.ID
		s.metrics.FirstTokenLatency.Record(s.ctx, now.Sub(info.StartedAt).Seconds())
	}
	if sp := s.speech; sp != nil && sp.generationID == info.ID {
		s.speak(sp, ev.Token, now)
	}
}

func (s *Session) generationDone(ev speculate.Event, now time.Time) {
	info, ok := s.gen.OnDone(ev.GenerationID, ev.Err)
	if !ok {
		return
	}
	sp := s.speech
	current := sp != nil && sp.generationID == info.ID

	switch {
	case ev.Err == nil:
		if current {
			s.finishText(sp, now)
		}
	case errors.Is(ev.Err, types.ErrGenerationCancelled):
	case !current:
		// A failed speculation is simply not reused.
		s.metrics.RecordSpeculation(s.ctx, "failed")
		s.log.Warn("speculative generation failed", "generation_id", info.ID, "err", ev.Err)
	default:
		s.turnFailed(now, ev.Err)
	}
}

// turnFailed abandons the current response and asks the user to repeat.
func (s *Session) turnFailed(now time.Time, err error) {
	s.toListening(now, err)
	s.repair(now, RepairGenerationFailed, s.cfg.Repair.FailurePrompt)
}

// ─── synthesis ───────────────────────────────────────────────────────────────

func (s *Session) startSpeech(info speculate.Info, now time.Time) error {
	ctx, cancel := context.WithCancel(s.ctx)
	s.speechSeq++
	sp := &speech{
		id:           s.speechSeq,
		generationID: info.ID,
		cancel:       cancel,
		format:       s.deps.Synthesizer.Format(),
		sentences:    newQueue[string](),
		timeline:     truncate.NewTimeline(s.cfg.Truncation.PerChar),
	}
	text := make(chan string)
	audio, err := s.deps.Synthesizer.SynthesizeStream(ctx, text, s.deps.Voice)
	if err != nil {
		cancel()
		return fmt.Errorf("orchestrator: start synthesis: %w", err)
	}
	s.speech = sp
	s.wg.Add(2)
	go s.feedText(ctx, sp, text)
	go s.forwardAudio(ctx, sp, audio)

	s.speak(sp, info.Buffered, now)
	if info.Done {
		s.finishText(sp, now)
	}
	return nil
}

func (s *Session) speak(sp *speech, token string, now time.Time) {
	for _, sentence := range sp.feed(token) {
		s.emit(Decision{Kind: DecisionResponse, At: now, GenerationID: sp.generationID, Text: sentence})
	}
}

func (s *Session) finishText(sp *speech, now time.Time) {
	if rest := sp.finish(); rest != "" {
		s.emit(Decision{Kind: DecisionResponse, At: now, GenerationID: sp.generationID, Text: rest})
	}
}

func (s *Session) stopSpeech() {
	if s.speech == nil {
		return
	}
	s.speech.stop()
	s.speech = nil
}

// feedText hands queued sentences to the synthesizer and closes its input
// once the response is complete.
func (s *Session) feedText(ctx context.Context, sp *speech, text chan<- string) {
	defer s.wg.Done()
	defer close(text)
	for {
		sentence, ok := sp.sentences.next(ctx)
		if !ok {
			return
		}
		select {
		case text <- sentence:
		case <-ctx.Done():
			return
		}
	}
}

// forwardAudio copies synthesised audio to the session's audio stream. The
// synthesizer's channel is always drained so its goroutines can exit.
func (s *Session) forwardAudio(ctx context.Context, sp *speech, audio <-chan []byte) {
	defer s.wg.Done()
	first := true
	for chunk := range audio {
		if ctx.Err() != nil {
			continue
		}
		if first {
			first = false
			s.events.push(event{kind: evAudioStarted, speechID: sp.id})
		}
		sp.produced.Add(int64(len(chunk)))
		select {
		case s.audio <- chunk:
		case <-ctx.Done():
		}
	}
	s.events.push(event{kind: evSpeechDone, speechID: sp.id, err: ctx.Err()})
}

func (s *Session) onAudioStarted(id uint64, now time.Time) {
	sp := s.speech
	if sp == nil || sp.id != id {
		return
	}
	sp.started = now
	if s.state != types.StateGenerating {
		return
	}
	if s.transition(types.StateSpeaking, now) != nil {
		return
	}
	if u := s.committed; u != nil {
		s.hist.addUser(u.Text)
		s.metrics.ResponseLatency.Record(s.ctx, now.Sub(u.LastFragmentAt).Seconds())
	}
}

func (s *Session) onSpeechDone(id uint64, err error, now time.Time) {
	sp := s.speech
	if sp == nil || sp.id != id || err != nil {
		return
	}
	if !sp.textDone {
		s.turnFailed(now, ErrSynthesisFailed)
		return
	}
	if s.state == types.StateSpeaking {
		s.hist.addAssistant(sp.timeline.Text())
	} else {
		s.log.Warn("response ended without audio", "state", s.state, "generation_id", sp.generationID)
	}
	s.stopSpeech()
	s.gen.Clear()
	s.toListening(now, nil)
}

// ─── barge-in ────────────────────────────────────────────────────────────────

func (s *Session) onVAD(sig types.VADSignal, now time.Time) {
	out := s.barge.Observe(sig, s.duplex.Snapshot(), now)
	if errors.Is(out.Err, types.ErrSignalStale) {
		s.metrics.RecordStaleSignal(s.ctx, sig.Source.String())
		s.log.Debug("stale vad signal ignored", "source", sig.Source, "age", now.Sub(sig.Timestamp))
		return
	}
	if at := s.duplex.ObserveVAD(sig, now); !at.IsZero() {
		s.arm(timerHangover, at)
	}
	if sig.State == types.VoiceSpeech && s.agg.Extend(now, s.cfg.Aggregation.ExtensionWindow) {
		s.armDeadline()
	}

	if out.Decision == nil {
		return
	}
	d := *out.Decision
	s.emit(Decision{Kind: DecisionBargeIn, At: now, BargeIn: d})
	s.metrics.RecordBargeIn(s.ctx, d.Action.String(), d.Reason)

	switch {
	case out.StartRollback:
		s.provisionalPos = 0
		if s.speech != nil {
			s.provisionalPos = s.speech.position(now)
		}
		s.arm(timerRollback, now.Add(s.barge.Config().RollbackWindow))
	case d.Reason == bargein.ReasonMisfire:
		s.disarm(timerRollback)
		s.log.Info("barge-in rolled back as misfire", "confidence", d.Confidence)
	}
}

func (s *Session) onRollback(now time.Time) {
	dec, ok := s.barge.Confirm(now)
	if !ok {
		return
	}
	s.emit(Decision{Kind: DecisionBargeIn, At: now, BargeIn: dec})
	s.metrics.RecordBargeIn(s.ctx, dec.Action.String(), dec.Reason)
	s.interrupt(dec, now)
}

// interrupt stops the response at the last word the user fully heard and
// decides whether a repair prompt is needed.
func (s *Session) interrupt(dec types.BargeInDecision, now time.Time) {
	if s.state != types.StateSpeaking {
		return
	}
	_, span := observe.StartSpan(s.ctx, "turn.interrupt", trace.WithAttributes(
		attribute.Float64("confidence", dec.Confidence),
		attribute.Int64("playback_ms", s.provisionalPos),
	))
	defer span.End()

	if s.transition(types.StateInterrupted, now) != nil {
		return
	}
	var (
		tl    *truncate.Timeline
		genID string
	)
	if sp := s.speech; sp != nil {
		tl, genID = sp.timeline, sp.generationID
	}
	tp := truncate.Truncate(tl, s.provisionalPos, s.cfg.Truncation.Instruction)
	s.stopSpeech()
	s.gen.Cancel()
	s.committed = nil
	s.hist.addAssistant(tp.SpokenText)
	s.continuation = tp.ContinuationSeed
	s.emit(Decision{Kind: DecisionTruncation, At: now, Truncation: tp, GenerationID: genID})
	span.SetAttributes(attribute.Int("word_index", tp.WordIndex))
	s.log.Info("response interrupted", "word_index", tp.WordIndex, "audio_offset_ms", tp.AudioOffsetMs)

	reason := s.repairReason(dec, now)
	if reason == "" {
		s.toListening(now, nil)
		return
	}
	if s.transition(types.StateRepairing, now) != nil {
		return
	}
	prompt := s.cfg.Repair.Prompt
	if reason != RepairLowConfidence {
		prompt = s.cfg.Repair.FrustrationPrompt
		s.interrupts = nil
	}
	s.repair(now, reason, prompt)
	s.toListening(now, nil)
}

// repairReason returns why the interruption needs a repair prompt, or "".
func (s *Session) repairReason(dec types.BargeInDecision, now time.Time) string {
	r := s.cfg.Repair
	cutoff := now.Add(-r.FrustrationWindow)
	kept := s.interrupts[:0]
	for _, t := range s.interrupts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.interrupts = append(kept, now)

	switch {
	case dec.Confidence < r.ConfidenceThreshold:
		return RepairLowConfidence
	case len(s.interrupts) >= r.FrustrationInterrupts:
		return RepairFrustration
	case !r.IgnoreCues && completion.HasFrustrationCue(s.pendingUserText(), s.cfg.Completion.Language):
		return RepairFrustrationCue
	}
	return ""
}

func (s *Session) repair(now time.Time, reason, prompt string) {
	s.emit(Decision{Kind: DecisionRepair, At: now, Text: prompt, Reason: reason})
	s.metrics.RecordRepair(s.ctx, reason)
	s.log.Info("repair prompt emitted", "reason", reason)
}

// pendingUserText is everything the user said that has not been answered.
func (s *Session) pendingUserText() string {
	parts := make([]string, 0, len(s.held)+1)
	for _, u := range s.held {
		parts = append(parts, u.Text)
	}
	if u, ok := s.agg.Peek(); ok {
		parts = append(parts, u.Text)
	}
	return strings.Join(parts, " ")
}

// mergeUtterances joins utterances in order into one.
func mergeUtterances(us ...types.AggregatedUtterance) types.AggregatedUtterance {
	var out types.AggregatedUtterance
	texts := make([]string, 0, len(us))
	for i, u := range us {
		if i == 0 {
			out.WindowStart = u.WindowStart
		}
		if t := strings.TrimSpace(u.Text); t != "" {
			texts = append(texts, t)
		}
		out.FragmentCount += u.FragmentCount
		out.WindowDeadline = u.WindowDeadline
		if u.LastFragmentAt.After(out.LastFragmentAt) {
			out.LastFragmentAt = u.LastFragmentAt
		}
		out.HardFinal = u.HardFinal
	}
	out.Text = strings.Join(texts, " ")
	return out
}
