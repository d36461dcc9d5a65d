package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// MaxRetries is the maximum number of reconnection attempts per drop
	// before giving up. Defaults to 10 if zero.
	MaxRetries int

	// Backoff is the initial backoff duration between retries. Doubles each
	// attempt up to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on backoff duration. Defaults to 30s if zero.
	MaxBackoff time.Duration
}

// Reconnector watches an [App] for fatal session errors and restarts the
// session with exponential backoff. Register its [Reconnector.OnState] via
// [WithStateFunc] and run [Reconnector.Run] alongside the app.
//
// Deliberate stops never trigger a reconnect: the app transitions to
// [StateIdle] on Stop and the reconnector only reacts to [StateError].
//
// All methods are safe for concurrent use.
type Reconnector struct {
	maxRetries int
	backoff    time.Duration
	maxBackoff time.Duration
	log        *slog.Logger

	mu  sync.Mutex
	app *App

	dropped chan struct{} // signalled when a session error is observed
}

// NewReconnector creates a Reconnector with the given configuration.
// Call [Reconnector.Attach] before starting any session.
func NewReconnector(cfg ReconnectorConfig, log *slog.Logger) *Reconnector {
	if log == nil {
		log = slog.Default()
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		maxRetries: maxRetries,
		backoff:    backoff,
		maxBackoff: maxBackoff,
		log:        log,
		dropped:    make(chan struct{}, 1),
	}
}

// Attach connects the reconnector to the app it restarts.
func (r *Reconnector) Attach(a *App) {
	r.mu.Lock()
	r.app = a
	r.mu.Unlock()
}

// OnState signals a drop on every transition into [StateError]. Safe to call
// multiple times per cycle; only the first signal per cycle has effect.
func (r *Reconnector) OnState(s State, _ error) {
	if s != StateError {
		return
	}
	select {
	case r.dropped <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled, reconnecting whenever a drop is
// signalled. Returns a non-nil error when a reconnection cycle exhausts its
// retries.
func (r *Reconnector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.dropped:
			if err := r.reconnect(ctx); err != nil {
				return err
			}
		}
	}
}

// reconnect attempts to restart the session with exponential backoff.
func (r *Reconnector) reconnect(ctx context.Context) error {
	r.mu.Lock()
	a := r.app
	r.mu.Unlock()
	if a == nil {
		return fmt.Errorf("app: reconnector not attached")
	}

	backoff := r.backoff
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		r.log.Info("reconnecting session", "attempt", attempt, "backoff", backoff)
		err := a.Start(ctx)
		if err == nil {
			// Failed attempts above raised fresh drop signals; the session
			// is live again, so absorb them.
			select {
			case <-r.dropped:
			default:
			}
			r.log.Info("session reconnected", "attempts", attempt)
			return nil
		}
		r.log.Warn("reconnect attempt failed", "attempt", attempt, "err", err)

		backoff *= 2
		if backoff > r.maxBackoff {
			backoff = r.maxBackoff
		}
	}
	return fmt.Errorf("app: reconnect: giving up after %d attempts", r.maxRetries)
}
