package capture

import (
	"fmt"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/gordonklaus/portaudio"
)

// Compile-time assertion that Mic satisfies FrameSource.
var _ FrameSource = (*Mic)(nil)

// Mic is the input audio device: a PortAudio capture stream opened at a fixed
// rate, mono, delivering fixed-size float32 frames. A Mic is created per
// session and closed on teardown.
type Mic struct {
	stream *portaudio.Stream
	rate   int

	mu     sync.Mutex
	buf    []float32
	closed bool
}

// OpenMic initialises PortAudio and opens the default input device at
// sampleRate Hz mono with framesPerBuffer samples per read. Opening fails
// when no capture device is available or access is denied; callers surface
// that as a permission error. Close is idempotent.
func OpenMic(sampleRate, framesPerBuffer int) (*Mic, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("capture: initialize portaudio: %w", err)
	}

	buf := make([]float32, framesPerBuffer)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(sampleRate), len(buf), buf)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("capture: open input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, fmt.Errorf("capture: start input stream: %w", err)
	}

	return &Mic{stream: stream, rate: sampleRate, buf: buf}, nil
}

// ReadFrame blocks until the device has filled one buffer and returns it as
// an immutable frame snapshot.
func (m *Mic) ReadFrame() (audio.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return audio.Frame{}, fmt.Errorf("capture: mic closed")
	}
	if err := m.stream.Read(); err != nil {
		return audio.Frame{}, fmt.Errorf("capture: read input stream: %w", err)
	}
	samples := make([]float32, len(m.buf))
	copy(samples, m.buf)
	return audio.Frame{Samples: samples, SampleRate: m.rate}, nil
}

// Close stops and closes the capture stream and releases PortAudio.
// Idempotent.
func (m *Mic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var err error
	if stopErr := m.stream.Stop(); stopErr != nil {
		err = stopErr
	}
	if closeErr := m.stream.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	portaudio.Terminate()
	return err
}
