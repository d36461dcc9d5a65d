// Package capture taps the microphone, pulls fixed-size frames, encodes each
// into its wire envelope, and hands it to the session's outbound channel.
//
// Encoding and sending never block the device read cadence: frames pass
// through a bounded queue between the reader and the sender. When the sender
// falls behind (session still connecting, slow network) the oldest queued
// frame is dropped in favour of the newest — interactive voice prefers fresh
// audio over stale, and the service treats the stream as best-effort.
package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/parley/pkg/audio"
	"golang.org/x/sync/errgroup"
)

// defaultQueueSize bounds the outbound blob queue. 64 frames of 256 samples
// at 16 kHz is roughly one second of audio.
const defaultQueueSize = 64

// FrameSource yields fixed-size capture frames. The production implementation
// is [Mic]; tests substitute a fake.
type FrameSource interface {
	ReadFrame() (audio.Frame, error)
}

// Sender delivers one encoded blob to the session's outbound channel.
type Sender interface {
	SendMedia(blob audio.Blob) error
}

// Pipeline pumps frames from a source through the codec to a sender.
type Pipeline struct {
	src    FrameSource
	sender Sender
	log    *slog.Logger
	queue  chan audio.Blob

	sent    atomic.Int64
	dropped atomic.Int64
}

// Option is a functional option for configuring a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger used for drop diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// WithQueueSize overrides the outbound queue capacity. Primarily used in
// tests to force drops deterministically.
func WithQueueSize(n int) Option {
	return func(p *Pipeline) { p.queue = make(chan audio.Blob, n) }
}

// New creates a Pipeline reading from src and delivering to sender.
func New(src FrameSource, sender Sender, opts ...Option) *Pipeline {
	p := &Pipeline{
		src:    src,
		sender: sender,
		log:    slog.Default(),
		queue:  make(chan audio.Blob, defaultQueueSize),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run pumps frames until ctx is cancelled or the source fails. The reader and
// sender run on separate goroutines so a slow send never stalls the capture
// cadence. Returns nil on cancellation.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(p.queue)
		for {
			if ctx.Err() != nil {
				return nil
			}
			frame, err := p.src.ReadFrame()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			p.push(audio.EncodeFrame(frame))
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case blob, ok := <-p.queue:
				if !ok {
					return nil
				}
				if err := p.sender.SendMedia(blob); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				p.sent.Add(1)
			}
		}
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// push enqueues blob, dropping the oldest queued blob when full.
func (p *Pipeline) push(blob audio.Blob) {
	select {
	case p.queue <- blob:
		return
	default:
	}

	select {
	case <-p.queue:
		p.dropped.Add(1)
	default:
	}

	select {
	case p.queue <- blob:
	default:
		// Queue refilled between the evict and the insert; drop the new
		// blob instead.
		p.dropped.Add(1)
	}
}

// Sent returns the number of blobs delivered to the sender so far.
func (p *Pipeline) Sent() int64 { return p.sent.Load() }

// Dropped returns the number of blobs discarded due to a full queue.
func (p *Pipeline) Dropped() int64 { return p.dropped.Load() }
