// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and feed controlled S2S sessions.
// Use Session to drive the inbound event stream and inspect which blobs the
// orchestrator sent.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(s2s.Event{TurnComplete: true})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// Ensure the mocks implement the s2s interfaces at compile time.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*Session)(nil)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a new default Session.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ConnectCall(nil), p.ConnectCalls...)
}

// Session is a mock implementation of s2s.SessionHandle. Tests drive the
// inbound stream with Emit and Finish, and inspect outbound traffic with
// SentBlobs.
type Session struct {
	events chan s2s.Event

	mu        sync.Mutex
	sent      []audio.Blob
	sendErr   error
	errVal    error
	closed    bool
	closeOnce sync.Once
}

// NewSession returns a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 64)}
}

// Emit queues one inbound event.
func (s *Session) Emit(ev s2s.Event) { s.events <- ev }

// Finish ends the inbound stream, optionally recording a terminal error.
// Idempotent.
func (s *Session) Finish(err error) {
	s.mu.Lock()
	if err != nil && s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
}

// SetSendErr makes subsequent SendMedia calls fail with err.
func (s *Session) SetSendErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// SendMedia records the blob, or fails with the configured send error.
func (s *Session) SendMedia(blob audio.Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, blob)
	return nil
}

// SentBlobs returns a copy of every blob delivered via SendMedia.
func (s *Session) SentBlobs() []audio.Blob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.Blob(nil), s.sent...)
}

// Events returns the inbound event stream.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Err returns the recorded terminal error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close marks the session closed and ends the event stream. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.events) })
	return nil
}
