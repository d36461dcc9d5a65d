package playback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/gordonklaus/portaudio"
)

// Compile-time assertions that Speaker provides the scheduler's collaborators.
var _ Clock = (*Speaker)(nil)
var _ Sink = (*Speaker)(nil)

// speakerFrames is the PortAudio write granularity in samples. At 24 kHz this
// is 10 ms per write, small enough that a mid-buffer stop cuts audio off
// promptly.
const speakerFrames = 240

// Speaker is the output audio device: a PortAudio playback stream opened at a
// fixed rate, mono. It implements both [Clock] (position on the output
// timeline, measured from Open) and [Sink] (blocking sample writes).
//
// A Speaker is created per session and closed on teardown.
type Speaker struct {
	stream *portaudio.Stream
	epoch  time.Time

	mu     sync.Mutex
	buf    []float32
	closed bool
}

// OpenSpeaker initialises PortAudio and opens the default output device at
// sampleRate Hz mono. Callers must Close the returned Speaker; Close is
// idempotent.
func OpenSpeaker(sampleRate int) (*Speaker, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("playback: initialize portaudio: %w", err)
	}

	buf := make([]float32, speakerFrames)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), len(buf), buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("playback: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("playback: start output stream: %w", err)
	}

	return &Speaker{stream: stream, epoch: time.Now(), buf: buf}, nil
}

// Now returns the position on the output timeline since the speaker opened.
func (sp *Speaker) Now() time.Duration { return time.Since(sp.epoch) }

// After returns a channel firing once d has elapsed.
func (sp *Speaker) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Play writes buf's samples to the device in [speakerFrames]-sized chunks,
// blocking for roughly the buffer's duration. Cancelling ctx aborts between
// chunks. The final partial chunk is zero-padded.
func (sp *Speaker) Play(ctx context.Context, buf *audio.Buffer) error {
	samples := buf.Samples
	for len(samples) > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		sp.mu.Lock()
		if sp.closed {
			sp.mu.Unlock()
			return fmt.Errorf("playback: speaker closed")
		}
		n := copy(sp.buf, samples)
		for i := n; i < len(sp.buf); i++ {
			sp.buf[i] = 0
		}
		err := sp.stream.Write()
		sp.mu.Unlock()

		if err != nil {
			return fmt.Errorf("playback: write to output stream: %w", err)
		}
		samples = samples[n:]
	}
	return nil
}

// Close stops and closes the output stream and releases PortAudio. Idempotent.
func (sp *Speaker) Close() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.closed {
		return nil
	}
	sp.closed = true

	var err error
	if stopErr := sp.stream.Stop(); stopErr != nil {
		err = stopErr
	}
	if closeErr := sp.stream.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	portaudio.Terminate()
	return err
}
