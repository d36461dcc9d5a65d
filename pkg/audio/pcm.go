// Package audio implements the PCM plumbing between the microphone, the
// conversational service's wire format, and the speaker.
//
// The service consumes and produces raw 16-bit little-endian PCM. Outbound,
// captured float frames are quantised and wrapped in a base64 text envelope
// ([EncodeFrame]); inbound, the envelope is unwrapped ([DecodeBlob]) and the
// raw bytes are reconstructed into playable buffers ([DecodeAudioData]).
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrDecode reports a wire envelope that is not valid base64.
var ErrDecode = errors.New("audio: invalid base64 payload")

// EncodeFrame converts a captured frame into its wire envelope: each sample
// is clamped to [-1, 1], scaled to the 16-bit signed integer range,
// serialized little-endian, and base64-encoded. Deterministic; there is no
// failure path for a well-formed frame.
func EncodeFrame(f Frame) Blob {
	pcm := make([]byte, len(f.Samples)*2)
	for i, s := range f.Samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		v := int16(s * 32767)
		pcm[i*2] = byte(v)
		pcm[i*2+1] = byte(v >> 8)
	}
	return Blob{
		MIMEType: fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate),
		Data:     base64.StdEncoding.EncodeToString(pcm),
	}
}

// DecodeBlob unwraps a base64 text envelope back to raw PCM bytes.
// Returns [ErrDecode] (wrapped) when data is not validly encoded.
func DecodeBlob(data string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return raw, nil
}

// BytesToFloats reinterprets raw little-endian 16-bit signed samples as
// normalized floats (divide by 32768). A trailing odd byte is ignored —
// documented truncation, not an error.
func BytesToFloats(b []byte) []float32 {
	n := len(b) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(b[i*2]) | int16(b[i*2+1])<<8
		out[i] = float32(v) / 32768
	}
	return out
}
