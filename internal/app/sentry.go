package app

import (
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/MrWong99/turnstile/internal/turn"
)

// sentryFlushTimeout bounds the flush after a recovered panic.
const sentryFlushTimeout = 2 * time.Second

// SentryReporter returns a [turn.ErrorReporter] that captures turn failures
// on a clone of hub, tagged with the turn ID.
func SentryReporter(hub *sentry.Hub) turn.ErrorReporter {
	return func(ctx context.Context, turnID string, err error) {
		h := hub.Clone()
		h.WithScope(func(scope *sentry.Scope) {
			scope.SetTag("turn_id", turnID)
			scope.SetContext("turn", sentry.Context{"id": turnID})
			h.CaptureException(err)
		})
	}
}

// recoverer turns handler panics into 500 responses and reports them to
// Sentry. Without an initialised Sentry client the report is a no-op.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				slog.Error("http handler panicked", "path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(r)
				hub.RecoverWithContext(r.Context(), rec)
				hub.Flush(sentryFlushTimeout)
				http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
