// Package app wires the Parley subsystems into a running voice session.
//
// The App struct owns the full session lifecycle: Start opens the audio
// devices and connects to the conversational AI service, the internal event
// loop feeds playback and the transcript, and Stop tears everything down in
// order. Only one session can be active at a time (enforced by mutex).
//
// For testing, inject fakes via functional options (WithMicOpener,
// WithSpeakerOpener). When an option is not provided, Start opens the real
// PortAudio devices.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/transcript"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/capture"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// State is the session lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateError      State = "error"
)

// PlaybackDevice is the speaker surface the scheduler needs: a shared clock,
// a blocking sink, and a closer.
type PlaybackDevice interface {
	playback.Clock
	playback.Sink
	Close() error
}

// MicOpener opens a capture source. The returned closer releases the device.
type MicOpener func(sampleRate, frameSize int) (capture.FrameSource, func() error, error)

// SpeakerOpener opens a playback device.
type SpeakerOpener func(sampleRate int) (PlaybackDevice, error)

// Stats is a snapshot of per-session counters.
type Stats struct {
	// StartedAt is when the current (or last) session connected.
	StartedAt time.Time

	// FramesSent and FramesDropped mirror the capture pipeline counters.
	FramesSent    int64
	FramesDropped int64

	// ChunksPlayed and ChunksMalformed count inbound audio chunks.
	ChunksPlayed    int64
	ChunksMalformed int64

	// BargeIns counts interruptions that flushed scheduled playback.
	BargeIns int64

	// Utterances counts completed transcript entries.
	Utterances int64
}

// sessionRuntime holds everything owned by one active session. A fresh
// runtime is built on every Start so stale goroutines from a previous
// session can never touch current state.
type sessionRuntime struct {
	cancel    context.CancelFunc
	sess      s2s.SessionHandle
	sched     *playback.Scheduler
	pipe      *capture.Pipeline
	historyID string
	done      chan struct{}

	// closers are called in reverse order during teardown.
	closers []func() error

	teardownOnce sync.Once
}

// App owns the session lifecycle and the live transcript.
// All exported methods are safe for concurrent use.
type App struct {
	cfg      *config.Config
	provider s2s.Provider
	log      *slog.Logger
	metrics  *observe.Metrics
	archive  *history.Store
	log10    *transcript.Log

	openMic     MicOpener
	openSpeaker SpeakerOpener

	onState      []func(State, error)
	onTranscript func()

	mu       sync.Mutex
	state    State
	lastErr  error
	rt       *sessionRuntime
	stopping bool
	stats    Stats
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithMetrics injects a metrics instance instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithHistory injects the conversation archive. Defaults to a disabled store.
func WithHistory(s *history.Store) Option {
	return func(a *App) { a.archive = s }
}

// WithMicOpener injects a capture source factory instead of [capture.OpenMic].
func WithMicOpener(open MicOpener) Option {
	return func(a *App) { a.openMic = open }
}

// WithSpeakerOpener injects a playback device factory instead of
// [playback.OpenSpeaker].
func WithSpeakerOpener(open SpeakerOpener) Option {
	return func(a *App) { a.openSpeaker = open }
}

// WithStateFunc registers a callback invoked on every state transition. The
// error is non-nil only for [StateError]. Called without internal locks held.
// May be given multiple times; callbacks run in registration order.
func WithStateFunc(fn func(State, error)) Option {
	return func(a *App) { a.onState = append(a.onState, fn) }
}

// WithTranscriptFunc registers a callback invoked whenever the transcript
// changes (a delta arrived or a turn completed).
func WithTranscriptFunc(fn func()) Option {
	return func(a *App) { a.onTranscript = fn }
}

// New creates an App in [StateIdle]. The provider supplies sessions on Start.
func New(cfg *config.Config, provider s2s.Provider, opts ...Option) *App {
	a := &App{
		cfg:      cfg,
		provider: provider,
		log:      slog.Default(),
		log10:    transcript.NewLog(),
		state:    StateIdle,
		openMic: func(rate, frame int) (capture.FrameSource, func() error, error) {
			m, err := capture.OpenMic(rate, frame)
			if err != nil {
				return nil, nil, err
			}
			return m, m.Close, nil
		},
		openSpeaker: func(rate int) (PlaybackDevice, error) {
			return playback.OpenSpeaker(rate)
		},
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.archive == nil {
		a.archive, _ = history.Open(context.Background(), "", a.log)
	}
	return a
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// Start opens the audio devices, connects to the service, and launches the
// session goroutines. Calling Start while a session is connecting or
// connected is a no-op. A failed Start releases every resource it acquired
// and leaves the App in [StateError].
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateConnecting || a.state == StateConnected {
		a.mu.Unlock()
		return nil
	}
	a.state = StateConnecting
	a.lastErr = nil
	a.mu.Unlock()
	a.notifyState(StateConnecting, nil)

	connectCtx, connectSpan := observe.StartSpan(ctx, "session.connect")
	rt, err := a.connect(connectCtx)
	if err != nil {
		connectSpan.RecordError(err)
	}
	connectSpan.End()
	if err != nil {
		a.mu.Lock()
		a.state = StateError
		a.lastErr = err
		a.stopping = false
		a.mu.Unlock()
		a.notifyState(StateError, err)
		return err
	}

	// The run context outlives ctx: Start's context only scopes the connect.
	runCtx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel

	a.mu.Lock()
	if a.stopping {
		// Stop was requested mid-connect; release what was just acquired.
		a.stopping = false
		a.state = StateIdle
		a.mu.Unlock()
		cancel()
		a.teardown(rt, time.Now())
		a.notifyState(StateIdle, nil)
		return nil
	}
	a.rt = rt
	a.state = StateConnected
	a.stats = Stats{StartedAt: time.Now()}
	a.mu.Unlock()

	a.metrics.ActiveSessions.Add(ctx, 1)
	a.notifyState(StateConnected, nil)

	go a.run(runCtx, rt)

	a.log.Info("session started", "history_id", rt.historyID)
	return nil
}

// connect acquires devices and the service session, releasing everything
// already acquired when a later step fails.
func (a *App) connect(ctx context.Context) (rt *sessionRuntime, err error) {
	rt = &sessionRuntime{done: make(chan struct{})}
	defer func() {
		if err != nil {
			for i := len(rt.closers) - 1; i >= 0; i-- {
				_ = rt.closers[i]()
			}
		}
	}()

	mic, closeMic, err := a.openMic(a.cfg.Audio.CaptureRate, a.cfg.Audio.FrameSize)
	if err != nil {
		return rt, fmt.Errorf("app: open microphone: %w", err)
	}
	rt.closers = append(rt.closers, closeMic)

	spk, err := a.openSpeaker(a.cfg.Audio.PlaybackRate)
	if err != nil {
		return rt, fmt.Errorf("app: open speaker: %w", err)
	}
	rt.closers = append(rt.closers, spk.Close)

	transcription := a.cfg.Service.TranscriptionEnabled()
	sess, err := a.provider.Connect(ctx, s2s.SessionConfig{
		Instructions:        a.cfg.Service.Persona,
		Voice:               a.cfg.Service.Voice,
		InputTranscription:  transcription,
		OutputTranscription: transcription,
	})
	if err != nil {
		return rt, fmt.Errorf("app: connect service: %w", err)
	}
	rt.sess = sess

	rt.sched = playback.New(spk, spk, playback.WithLogger(a.log))
	rt.pipe = capture.New(mic, sess,
		capture.WithQueueSize(a.cfg.Audio.QueueSize),
		capture.WithLogger(a.log),
	)

	id, err := a.archive.BeginSession(ctx)
	if err != nil {
		a.log.Warn("history disabled for this session", "err", err)
	}
	rt.historyID = id

	return rt, nil
}

// Stop ends the active session and blocks until teardown completes.
// Calling Stop with no active session is a no-op.
func (a *App) Stop() error {
	a.mu.Lock()
	rt := a.rt
	if rt == nil {
		// A connect may be in flight; flag it so Start releases its
		// resources and settles in Idle instead of going live.
		if a.state == StateConnecting {
			a.stopping = true
		}
		a.mu.Unlock()
		return nil
	}
	a.stopping = true
	a.mu.Unlock()

	rt.cancel()
	_ = rt.sess.Close()
	<-rt.done
	return nil
}

// run drives the capture pipeline and the service event loop until either
// ends, then tears the session down and settles the final state.
func (a *App) run(ctx context.Context, rt *sessionRuntime) {
	defer close(rt.done)

	// One span covers the whole session; metrics recorded below carry it.
	ctx, span := observe.StartSpan(ctx, "session")
	defer span.End()
	log := a.log
	if id := observe.CorrelationID(ctx); id != "" {
		log = log.With("trace_id", id)
	}

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rt.pipe.Run(gctx) })
	g.Go(func() error { return a.consumeEvents(gctx, rt) })
	err := g.Wait()

	a.teardown(rt, start)
	a.metrics.ActiveSessions.Add(context.Background(), -1)

	a.mu.Lock()
	if a.rt != rt {
		a.mu.Unlock()
		return
	}
	a.rt = nil
	stopped := a.stopping
	a.stopping = false
	a.stats.FramesSent = rt.pipe.Sent()
	a.stats.FramesDropped = rt.pipe.Dropped()

	next, cause := StateIdle, error(nil)
	if !stopped && err != nil && !errors.Is(err, context.Canceled) {
		next, cause = StateError, err
	}
	a.state = next
	a.lastErr = cause
	a.mu.Unlock()

	if cause != nil {
		span.RecordError(cause)
		a.metrics.RecordServiceError(context.Background(), "session")
		log.Error("session ended with error", "err", cause)
	} else {
		log.Info("session ended")
	}
	a.notifyState(next, cause)
}

// teardown releases the runtime's resources exactly once: remaining service
// events are drained, scheduled playback stops, and devices close in reverse
// acquisition order.
func (a *App) teardown(rt *sessionRuntime, start time.Time) {
	rt.teardownOnce.Do(func() {
		_ = rt.sess.Close()
		audio.Drain(rt.sess.Events())
		rt.sched.StopAll()
		for i := len(rt.closers) - 1; i >= 0; i-- {
			if err := rt.closers[i](); err != nil {
				a.log.Warn("device close error", "err", err)
			}
		}

		ctx := context.Background()
		a.metrics.SessionDuration.Record(ctx, time.Since(start).Seconds())
		a.metrics.RecordCaptureFrames(ctx, "sent", rt.pipe.Sent())
		a.metrics.RecordCaptureFrames(ctx, "dropped", rt.pipe.Dropped())
	})
}

// ─── Event loop ──────────────────────────────────────────────────────────────

// consumeEvents applies service events in arrival order until the channel
// closes or ctx is cancelled. A closed channel surfaces the session's fatal
// error, if any.
func (a *App) consumeEvents(ctx context.Context, rt *sessionRuntime) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-rt.sess.Events():
			if !ok {
				return rt.sess.Err()
			}
			a.handleEvent(ctx, rt, ev)
		}
	}
}

// handleEvent applies one service event. Within a single event the
// interruption signal is handled before audio so a barge-in never plays
// stale chunks delivered alongside it.
func (a *App) handleEvent(ctx context.Context, rt *sessionRuntime, ev s2s.Event) {
	if ev.Interrupted {
		rt.sched.StopAll()
		a.metrics.BargeIns.Add(ctx, 1)
		a.addStat(func(s *Stats) { s.BargeIns++ })
		a.log.Debug("playback interrupted")
	}

	if len(ev.Audio) > 0 {
		buf, err := audio.DecodeAudioData(ev.Audio, a.cfg.Audio.PlaybackRate, 1)
		if err != nil {
			a.metrics.RecordPlaybackChunk(ctx, "malformed")
			a.addStat(func(s *Stats) { s.ChunksMalformed++ })
			a.log.Warn("skipping malformed audio chunk", "err", err)
		} else {
			rt.sched.Enqueue(buf)
			a.metrics.RecordPlaybackChunk(ctx, "played")
			a.addStat(func(s *Stats) { s.ChunksPlayed++ })
		}
	}

	if ev.Transcript != nil {
		a.log10.Append(ev.Transcript.Role, ev.Transcript.Text)
		a.notifyTranscript()
	}

	if ev.TurnComplete {
		flushed := a.log10.Flush()
		for _, e := range flushed {
			a.metrics.RecordUtterance(ctx, string(e.Role))
			if err := a.archive.Append(ctx, rt.historyID, e); err != nil {
				a.log.Warn("history append failed", "err", err)
			}
		}
		if len(flushed) > 0 {
			a.addStat(func(s *Stats) { s.Utterances += int64(len(flushed)) })
			a.notifyTranscript()
		}
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// State returns the current lifecycle state and, for [StateError], its cause.
func (a *App) State() (State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, a.lastErr
}

// Transcript returns the live transcript log.
func (a *App) Transcript() *transcript.Log { return a.log10 }

// Stats returns a snapshot of the session counters. Frame counters settle
// after the session ends; while running they reflect the pipeline directly.
func (a *App) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	if a.rt != nil {
		s.FramesSent = a.rt.pipe.Sent()
		s.FramesDropped = a.rt.pipe.Dropped()
	}
	return s
}

func (a *App) addStat(apply func(*Stats)) {
	a.mu.Lock()
	apply(&a.stats)
	a.mu.Unlock()
}

func (a *App) notifyState(s State, err error) {
	for _, fn := range a.onState {
		fn(s, err)
	}
}

func (a *App) notifyTranscript() {
	if a.onTranscript != nil {
		a.onTranscript()
	}
}
