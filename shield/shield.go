// Package shield is the HTTP middleware stack in front of the wooscrape API:
// security headers, body limits, request ids with per-request loggers, and a
// per-client rate limit for expensive routes.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.DefaultAPIStack(logger) {
//	    r.Use(mw)
//	}
//	r.With(shield.NewRateLimiter(0.2, 2).Middleware).Post("/api/jobs", h)
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// loggerKey holds the per-request structured logger.
const loggerKey contextKey = "shield_logger"

// DefaultBodyLimit caps request bodies in DefaultAPIStack (8 MiB).
const DefaultBodyLimit int64 = 8 << 20

// DefaultAPIStack returns the middleware applied to every API route, in
// order: HeadToGet, SecurityHeaders, MaxBody, RequestID.
func DefaultAPIStack(logger *slog.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(DefaultHeaders()),
		MaxBody(DefaultBodyLimit),
		RequestID(logger),
	}
}

// GetLogger returns the per-request logger, or slog.Default.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

// HeadToGet serves HEAD through GET routes. net/http drops the body.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

// MaxBody caps every request body at maxBytes.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
