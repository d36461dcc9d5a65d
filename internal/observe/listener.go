package observe

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// checkTimeout is the maximum time a single readiness check may take before
// its context is cancelled.
const checkTimeout = 5 * time.Second

// Check is a named readiness probe. Probe should return nil when the
// dependency is healthy and must respect context cancellation.
type Check struct {
	Name  string
	Probe func(ctx context.Context) error
}

// checkResult is the JSON response body for the health endpoints.
type checkResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// MetricsHandler returns the HTTP handler for the telemetry surface:
//
//   - /metrics — Prometheus scrape endpoint.
//   - /healthz — liveness probe; always 200 while the process serves HTTP.
//   - /readyz  — readiness probe; 200 only when every check passes.
func MetricsHandler(checks ...Check) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, checkResult{Status: "ok"})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
			return
		}
		res := checkResult{Status: "ok", Checks: make(map[string]string, len(checks))}
		status := http.StatusOK
		for _, c := range checks {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			err := c.Probe(ctx)
			cancel()
			if err != nil {
				res.Checks[c.Name] = "fail: " + err.Error()
				res.Status = "fail"
				status = http.StatusServiceUnavailable
			} else {
				res.Checks[c.Name] = "ok"
			}
		}
		writeJSON(w, status, res)
	})
	return mux
}

// writeJSON encodes v as JSON with the given status code. On encoding failure
// it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

// ServeMetrics runs an HTTP server exposing [MetricsHandler] on addr until
// ctx is cancelled, then shuts it down gracefully. An empty addr disables the
// listener and blocks until ctx is done.
func ServeMetrics(ctx context.Context, addr string, log *slog.Logger, checks ...Check) error {
	if log == nil {
		log = slog.Default()
	}
	if addr == "" {
		<-ctx.Done()
		return nil
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           TraceMiddleware(MetricsHandler(checks...)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("telemetry listener started", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
