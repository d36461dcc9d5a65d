package audio

import "time"

// Standard rates and sizes for the Parley voice pipeline. The capture side
// runs at 16 kHz mono (the rate the conversational service expects for
// inbound speech); the playback side runs at 24 kHz mono (the rate the
// service synthesises at).
const (
	// CaptureRate is the microphone sample rate in Hz.
	CaptureRate = 16000

	// PlaybackRate is the synthesised-speech sample rate in Hz.
	PlaybackRate = 24000

	// FrameSize is the number of samples delivered per capture frame.
	// At 16 kHz this is 16 ms of audio per frame.
	FrameSize = 256
)

// Frame is one fixed-length chunk of captured microphone audio: normalized
// float32 samples in [-1, 1], mono, at [CaptureRate]. Frames are immutable
// once captured and consumed exactly once by the codec.
type Frame struct {
	// Samples holds the normalized PCM samples.
	Samples []float32

	// SampleRate in Hz.
	SampleRate int
}

// Duration returns the wall-clock length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.Samples)) * time.Second / time.Duration(f.SampleRate)
}

// Blob is one outbound audio chunk in the transport's text-safe envelope:
// base64-encoded s16le PCM plus a MIME-style type tag. A Blob is created per
// Frame, sent once, and not retained after send.
type Blob struct {
	// MIMEType tags the payload format, e.g. "audio/pcm;rate=16000".
	MIMEType string

	// Data is the base64-encoded PCM payload.
	Data string
}

// Buffer is a decoded, playable chunk of synthesised speech: normalized
// float32 samples at a fixed rate and channel count. Buffers are produced by
// [DecodeAudioData] and consumed by the playback scheduler.
type Buffer struct {
	// Samples holds the normalized PCM samples for channel 0.
	Samples []float32

	// SampleRate in Hz.
	SampleRate int

	// Channels is the channel count (1 for everything the service emits).
	Channels int
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil || b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}
