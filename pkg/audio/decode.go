package audio

import (
	"errors"
	"fmt"
)

// ErrMalformedAudio reports an inbound PCM payload whose byte length is not a
// positive multiple of the 2-byte sample width.
var ErrMalformedAudio = errors.New("audio: malformed PCM payload")

// DecodeAudioData reconstructs a playable buffer from raw s16le PCM bytes at
// the given rate and channel count. The buffer holds len(b)/2 samples filled
// from [BytesToFloats]. Unlike the wire codec's byte reinterpretation, a
// payload that is empty or oddly sized is a hard error here — a malformed
// chunk must be skippable by the caller without poisoning the playback
// timeline.
func DecodeAudioData(b []byte, sampleRate, channels int) (*Buffer, error) {
	if len(b) == 0 || len(b)%2 != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedAudio, len(b))
	}
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: rate=%d channels=%d", ErrMalformedAudio, sampleRate, channels)
	}
	return &Buffer{
		Samples:    BytesToFloats(b),
		SampleRate: sampleRate,
		Channels:   channels,
	}, nil
}
