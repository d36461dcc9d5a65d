// Command parley is a terminal voice chat client for conversational AI
// services: it streams microphone audio to the service and plays the spoken
// reply while rendering a live transcript.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/history"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/pkg/provider/s2s/gemini"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "parley.yaml", "path to the YAML configuration file")
	connect := flag.Bool("connect", true, "connect immediately instead of waiting for a keypress")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "parley: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "parley: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("parley starting",
		"config", *configPath,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "parley",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Conversation archive (optional) ───────────────────────────────────────
	archive, err := history.Open(ctx, cfg.History.Path, logger)
	if err != nil {
		slog.Error("failed to open history store", "err", err)
		return 1
	}
	defer archive.Close()

	// ── Service provider ──────────────────────────────────────────────────────
	var provOpts []gemini.Option
	if cfg.Service.Model != "" {
		provOpts = append(provOpts, gemini.WithModel(cfg.Service.Model))
	}
	provider := gemini.New(cfg.Service.APIKey, provOpts...)

	// ── Application ───────────────────────────────────────────────────────────
	ui := newRenderer(os.Stdout)
	appOpts := []app.Option{
		app.WithLogger(logger),
		app.WithHistory(archive),
		app.WithStateFunc(ui.OnState),
		app.WithTranscriptFunc(ui.OnTranscript),
	}

	var reconnector *app.Reconnector
	if cfg.Service.Reconnect {
		reconnector = app.NewReconnector(app.ReconnectorConfig{}, logger)
		appOpts = append(appOpts, app.WithStateFunc(reconnector.OnState))
	}

	application := app.New(cfg, provider, appOpts...)
	ui.Attach(application)
	if reconnector != nil {
		reconnector.Attach(application)
	}

	printStartupSummary(cfg)

	readyChecks := []observe.Check{
		{Name: "archive", Probe: func(context.Context) error {
			if cfg.History.Path != "" && !archive.Enabled() {
				return errors.New("archive not open")
			}
			return nil
		}},
		{Name: "session", Probe: func(context.Context) error {
			if state, cause := application.State(); state == app.StateError {
				return fmt.Errorf("session error: %v", cause)
			}
			return nil
		}},
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return observe.ServeMetrics(gctx, cfg.Telemetry.ListenAddr, logger, readyChecks...)
	})
	g.Go(func() error {
		return inputLoop(gctx, application)
	})
	if reconnector != nil {
		g.Go(func() error {
			return reconnector.Run(gctx)
		})
	}

	if *connect {
		if err := application.Start(ctx); err != nil {
			slog.Error("failed to start session", "err", err)
			// Keep running; the user can retry with a keypress.
		}
	}
	fmt.Println("press Enter to toggle the session, Ctrl+C to quit")

	err = g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	if stopErr := application.Stop(); stopErr != nil {
		slog.Warn("session stop error", "err", stopErr)
	}
	printSessionSummary(application.Stats())

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// inputLoop toggles the session on every line of input until ctx is done or
// stdin closes.
func inputLoop(ctx context.Context, a *app.App) error {
	lines := make(chan struct{})
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- struct{}{}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-lines:
			if !ok {
				// Stdin closed (e.g. piped input ran out); keep the
				// session running until a signal arrives.
				<-ctx.Done()
				return ctx.Err()
			}
			state, _ := a.State()
			switch state {
			case app.StateConnected, app.StateConnecting:
				if err := a.Stop(); err != nil {
					slog.Warn("session stop error", "err", err)
				}
			default:
				if err := a.Start(ctx); err != nil {
					slog.Error("failed to start session", "err", err)
				}
			}
		}
	}
}

// ── Startup and teardown output ───────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Parley — voice chat          ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	model := cfg.Service.Model
	if model == "" {
		model = "(provider default)"
	}
	fmt.Printf("║  Model      : %-23s ║\n", truncate(model, 23))
	voice := cfg.Service.Voice
	if voice == "" {
		voice = "(provider default)"
	}
	fmt.Printf("║  Voice      : %-23s ║\n", truncate(voice, 23))
	fmt.Printf("║  Capture    : %-23s ║\n", fmt.Sprintf("%d Hz", cfg.Audio.CaptureRate))
	fmt.Printf("║  Playback   : %-23s ║\n", fmt.Sprintf("%d Hz", cfg.Audio.PlaybackRate))
	archive := "disabled"
	if cfg.History.Path != "" {
		archive = cfg.History.Path
	}
	fmt.Printf("║  History    : %-23s ║\n", truncate(archive, 23))
	metrics := "disabled"
	if cfg.Telemetry.ListenAddr != "" {
		metrics = cfg.Telemetry.ListenAddr
	}
	fmt.Printf("║  Metrics    : %-23s ║\n", truncate(metrics, 23))
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printSessionSummary(stats app.Stats) {
	if stats.StartedAt.IsZero() {
		return
	}
	fmt.Printf("session summary: %d frames sent (%d dropped), %d chunks played (%d malformed), %d interruptions, %d utterances\n",
		stats.FramesSent, stats.FramesDropped,
		stats.ChunksPlayed, stats.ChunksMalformed,
		stats.BargeIns, stats.Utterances,
	)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// ── Logger ────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
