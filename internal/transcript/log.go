// Package transcript assembles the live conversation transcript.
//
// The service streams partial transcription deltas for the currently open
// utterance on each side of the conversation. Deltas accumulate into two
// pending fragments (user and agent) until the service signals turn
// completion, at which point non-empty fragments are flushed into a bounded
// log of the most recent entries.
//
// Safe for concurrent use: deltas arrive from the session receive loop while
// the UI reads entries.
package transcript

import (
	"sync"
	"time"

	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// DefaultMaxEntries is the number of flushed entries the log retains.
const DefaultMaxEntries = 10

// Entry is one completed utterance in the transcript log.
type Entry struct {
	// Role identifies the speaker.
	Role s2s.Role

	// Text is the full accumulated utterance text.
	Text string

	// Timestamp is when the entry was flushed.
	Timestamp time.Time
}

// Log tracks the two pending fragments and the bounded list of completed
// entries.
type Log struct {
	mu           sync.Mutex
	max          int
	entries      []Entry
	flushed      int
	pendingUser  string
	pendingAgent string
	clock        func() time.Time
}

// Option is a functional option for configuring a Log.
type Option func(*Log)

// WithMaxEntries overrides the retention bound.
func WithMaxEntries(n int) Option {
	return func(l *Log) { l.max = n }
}

// WithClock overrides the timestamp source. Used in tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// NewLog creates an empty Log retaining [DefaultMaxEntries] entries.
func NewLog(opts ...Option) *Log {
	l := &Log{max: DefaultMaxEntries, clock: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append accumulates a transcription delta onto the pending fragment for
// role. Accumulation, not replacement: the service streams partial text.
func (l *Log) Append(role s2s.Role, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch role {
	case s2s.RoleAgent:
		l.pendingAgent += text
	default:
		l.pendingUser += text
	}
}

// Flush moves non-empty pending fragments into the log, user side first,
// clears both fragments, and trims the log to its bound. Returns the entries
// flushed by this call, in order.
func (l *Log) Flush() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	var flushed []Entry
	if l.pendingUser != "" {
		flushed = append(flushed, Entry{Role: s2s.RoleUser, Text: l.pendingUser, Timestamp: now})
	}
	if l.pendingAgent != "" {
		flushed = append(flushed, Entry{Role: s2s.RoleAgent, Text: l.pendingAgent, Timestamp: now})
	}
	l.pendingUser = ""
	l.pendingAgent = ""

	l.entries = append(l.entries, flushed...)
	l.flushed += len(flushed)
	if len(l.entries) > l.max {
		l.entries = append([]Entry(nil), l.entries[len(l.entries)-l.max:]...)
	}
	return flushed
}

// TotalFlushed returns the number of entries flushed over the log's lifetime.
// Unlike [Log.Entries] it is not capped by the retention bound, so consumers
// that mirror the log elsewhere can diff against it instead of the window
// length.
func (l *Log) TotalFlushed() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushed
}

// Pending returns the accumulated fragment for role without flushing it.
func (l *Log) Pending(role s2s.Role) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if role == s2s.RoleAgent {
		return l.pendingAgent
	}
	return l.pendingUser
}

// Entries returns a copy of the retained log, oldest first.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Reset discards both pending fragments and every retained entry.
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pendingUser = ""
	l.pendingAgent = ""
	l.entries = nil
	l.flushed = 0
}
