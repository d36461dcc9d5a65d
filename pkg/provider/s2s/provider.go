// Package s2s defines the Provider interface for Speech-to-Speech (S2S)
// backends.
//
// An S2S provider wraps a real-time voice AI service that accepts raw audio
// input and returns synthesised audio output in a single, stateful session —
// speech recognition, dialogue management, and voice synthesis all happen on
// the service side. The central abstraction is SessionHandle: a bidirectional
// channel carrying outbound audio blobs one way and an ordered stream of
// events (audio, transcription deltas, turn boundaries, interruptions) the
// other way.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"

	"github.com/MrWong99/parley/pkg/audio"
)

// Role identifies which side of the conversation a transcript belongs to.
type Role string

const (
	// RoleUser marks speech recognised from the local microphone.
	RoleUser Role = "user"

	// RoleAgent marks the model's synthesised speech.
	RoleAgent Role = "agent"
)

// Transcript is a partial transcription delta for the currently open
// utterance. Deltas accumulate; the service signals completion separately via
// a turn-complete event.
type Transcript struct {
	Role Role
	Text string
}

// Event is one occurrence on the session's inbound stream. Exactly one of
// the fields is meaningful per event. Events are delivered in wire arrival
// order — consumers rely on a transcript delta never overtaking the
// turn-complete that follows it.
type Event struct {
	// Audio is one segment of synthesised speech as raw s16le PCM at the
	// service's output rate, or nil.
	Audio []byte

	// Transcript is a partial transcription delta, or nil.
	Transcript *Transcript

	// TurnComplete signals that the current conversational turn is finished
	// and accumulated transcript fragments may be flushed.
	TurnComplete bool

	// Interrupted signals that the user has begun speaking over the agent;
	// buffered playback must be cut immediately.
	Interrupted bool
}

// SessionConfig is the initial configuration for a new S2S session.
// The service does not support changing these mid-session.
type SessionConfig struct {
	// Instructions is the system-level persona prompt.
	Instructions string

	// Voice selects the prebuilt synthesised voice by id.
	Voice string

	// InputTranscription requests text transcripts of the user's speech.
	InputTranscription bool

	// OutputTranscription requests text transcripts of the agent's speech.
	OutputTranscription bool
}

// SessionHandle represents an open S2S session. It is an interface so that
// test code can supply mock implementations without a live connection.
//
// The session is the hot path of the voice pipeline — every method must
// return quickly. Callers must call Close when the session is no longer
// needed; Close is idempotent.
type SessionHandle interface {
	// SendMedia delivers one encoded audio chunk to the service. The blob
	// must match the format announced by its MIME tag. Returns an error if
	// the session is closed or the transport rejects the write.
	SendMedia(blob audio.Blob) error

	// Events returns the ordered inbound event stream. The channel is closed
	// when the session ends or a mid-stream error occurs; after it closes,
	// call Err to check whether the session ended cleanly. Consumers must
	// drain promptly to avoid stalling the provider's receive loop.
	Events() <-chan Event

	// Err returns the error that caused the Events channel to close
	// prematurely, or nil if the session ended cleanly.
	Err() error

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect establishes a new S2S session with the given configuration.
	// The returned SessionHandle is ready to accept audio immediately.
	// The caller owns the handle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
