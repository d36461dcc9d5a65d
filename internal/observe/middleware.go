package observe

import (
	"net/http"
	"time"
)

// TraceMiddleware wraps next so every request runs inside its own span. The
// span context flows into the request, and the completion log line carries the
// trace correlation attributes via [Logger].
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := StartSpan(r.Context(), "http "+r.URL.Path)
		defer span.End()

		start := time.Now()
		next.ServeHTTP(w, r.WithContext(ctx))
		Logger(ctx).Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}
