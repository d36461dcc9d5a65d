package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/pkg/provider/s2s"
)

// pendingWidth caps the in-progress line so redraws with \r overwrite cleanly.
const pendingWidth = 78

// renderer prints the live transcript and session state to the terminal.
// Completed utterances are printed as permanent lines; the in-progress agent
// or user fragment is redrawn in place on a single status line.
type renderer struct {
	out io.Writer

	mu          sync.Mutex
	app         *app.App
	printed     int
	pendingOpen bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

// Attach connects the renderer to the app it reads the transcript from.
// Must be called before the first session starts.
func (r *renderer) Attach(a *app.App) {
	r.mu.Lock()
	r.app = a
	r.mu.Unlock()
}

// OnState prints session lifecycle transitions.
func (r *renderer) OnState(s app.State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearPendingLocked()
	switch s {
	case app.StateConnecting:
		fmt.Fprintln(r.out, "· connecting…")
	case app.StateConnected:
		fmt.Fprintln(r.out, "· connected — speak when ready")
	case app.StateIdle:
		fmt.Fprintln(r.out, "· disconnected")
	case app.StateError:
		fmt.Fprintf(r.out, "· session error: %v\n", err)
	}
}

// OnTranscript prints any newly completed utterances and redraws the pending
// fragment line.
func (r *renderer) OnTranscript() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.app == nil {
		return
	}
	log := r.app.Transcript()

	entries := log.Entries()
	// Diff on the lifetime flush counter, not the window length: the log
	// retains a bounded window, so its length pins once full while entries
	// keep flushing through it.
	total := log.TotalFlushed()
	if fresh := total - r.printed; fresh > 0 {
		r.clearPendingLocked()
		if fresh > len(entries) {
			fresh = len(entries)
		}
		for _, e := range entries[len(entries)-fresh:] {
			fmt.Fprintf(r.out, "%s %s\n", prompt(e.Role), e.Text)
		}
	}
	r.printed = total

	if pending := log.Pending(s2s.RoleAgent); pending != "" {
		r.drawPendingLocked(s2s.RoleAgent, pending)
	} else if pending := log.Pending(s2s.RoleUser); pending != "" {
		r.drawPendingLocked(s2s.RoleUser, pending)
	}
}

// drawPendingLocked redraws the single in-progress line in place.
func (r *renderer) drawPendingLocked(role s2s.Role, text string) {
	line := prompt(role) + " " + text
	if runes := []rune(line); len(runes) > pendingWidth {
		line = "…" + string(runes[len(runes)-pendingWidth+1:])
	}
	fmt.Fprintf(r.out, "\r%s\r%s", strings.Repeat(" ", pendingWidth), line)
	r.pendingOpen = true
}

// clearPendingLocked wipes the in-progress line before permanent output.
func (r *renderer) clearPendingLocked() {
	if !r.pendingOpen {
		return
	}
	fmt.Fprintf(r.out, "\r%s\r", strings.Repeat(" ", pendingWidth))
	r.pendingOpen = false
}

func prompt(role s2s.Role) string {
	if role == s2s.RoleAgent {
		return " ai>"
	}
	return "you>"
}
