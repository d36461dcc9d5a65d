// Package playback schedules decoded speech buffers back-to-back on a single
// output timeline so that chunked synthesis plays gaplessly, and supports an
// immediate full stop when the user barges in over the agent.
//
// Ordering is enforced through a monotonic cursor: each enqueued buffer
// starts at max(cursor, now) and advances the cursor by its own duration, so
// playback order equals enqueue order regardless of how the enqueue calls
// interleave with other work. Sink writes are additionally chained on the
// previous source's completion, so a Play that overruns its nominal slot
// cannot interleave with its successor at the device.
package playback

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
)

// Clock is the shared output timeline. The production implementation is the
// [Speaker]; tests substitute a fake.
type Clock interface {
	// Now returns the current position on the output timeline.
	Now() time.Duration

	// After returns a channel that fires once d has elapsed on the timeline.
	After(d time.Duration) <-chan time.Time
}

// Sink consumes the samples of one scheduled buffer. Play blocks for the
// duration of the buffer and returns early (with ctx.Err) when the context is
// cancelled mid-buffer.
type Sink interface {
	Play(ctx context.Context, buf *audio.Buffer) error
}

// Source is a handle to one buffer registered for playback. It is owned by
// the [Scheduler] from creation until its natural end or a forced stop;
// membership in the scheduler's active set is the sole lifetime signal.
type Source struct {
	buf     *audio.Buffer
	startAt time.Duration
	prev    *Source

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// StartAt returns the source's scheduled start position on the timeline.
func (s *Source) StartAt() time.Duration { return s.startAt }

// Stop aborts the source immediately. Stopping a source that already ended
// naturally is a benign race and a no-op.
func (s *Source) Stop() { s.cancel() }

// Done is closed when the source has finished, naturally or by force.
func (s *Source) Done() <-chan struct{} { return s.done }

// Scheduler owns the playback cursor and the set of active sources.
// Safe for concurrent use: enqueues arrive from the session receive loop
// while stops arrive from the orchestrator.
type Scheduler struct {
	clock Clock
	sink  Sink
	log   *slog.Logger

	mu        sync.Mutex
	nextStart time.Duration
	active    map[*Source]struct{}
	last      *Source
}

// Option is a functional option for configuring a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger used for per-source diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// New creates a Scheduler playing through sink on the timeline given by clock.
func New(clock Clock, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:  clock,
		sink:   sink,
		log:    slog.Default(),
		active: make(map[*Source]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue registers buf for playback at max(cursor, clock.Now()) and advances
// the cursor by the buffer's duration. The returned source plays on its own
// goroutine and removes itself from the active set when it ends.
func (s *Scheduler) Enqueue(buf *audio.Buffer) *Source {
	ctx, cancel := context.WithCancel(context.Background())
	src := &Source{
		buf:    buf,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	start := s.nextStart
	if now := s.clock.Now(); now > start {
		start = now
	}
	src.startAt = start
	src.prev = s.last
	s.last = src
	s.nextStart = start + buf.Duration()
	s.active[src] = struct{}{}
	s.mu.Unlock()

	go s.run(src)
	return src
}

// run waits for the source's start slot and its predecessor, plays it, and
// retires it.
func (s *Scheduler) run(src *Source) {
	defer func() {
		src.cancel()
		s.mu.Lock()
		delete(s.active, src)
		if s.last == src {
			s.last = nil
		}
		s.mu.Unlock()
		close(src.done)
	}()

	if delay := src.startAt - s.clock.Now(); delay > 0 {
		select {
		case <-s.clock.After(delay):
		case <-src.ctx.Done():
			return
		}
	}

	// Device writes stay ordered even when the predecessor's Play overruns
	// its nominal slot (device buffering): never touch the sink before the
	// previous source has finished with it.
	if src.prev != nil {
		select {
		case <-src.prev.Done():
		case <-src.ctx.Done():
			return
		}
		src.prev = nil
	}

	if err := s.sink.Play(src.ctx, src.buf); err != nil && src.ctx.Err() == nil {
		s.log.Warn("playback sink error", "err", err, "duration", src.buf.Duration())
	}
}

// StopAll force-stops every active source, clears the set, and resets the
// cursor to 0. Used for barge-in interruption and session teardown.
// Idempotent; safe to call with zero active sources.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	stopped := make([]*Source, 0, len(s.active))
	for src := range s.active {
		stopped = append(stopped, src)
	}
	s.active = make(map[*Source]struct{})
	s.last = nil
	s.nextStart = 0
	s.mu.Unlock()

	// Cancel outside the lock; sources that already finished naturally are
	// unaffected.
	for _, src := range stopped {
		src.Stop()
	}
}

// Active returns the number of sources currently registered for playback.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Cursor returns the earliest timeline position the next buffer may begin.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}
