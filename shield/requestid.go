package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/wooscrape/idgen"
	"github.com/hazyhaar/wooscrape/kit"
	"github.com/hazyhaar/wooscrape/safe"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

var newRequestID = idgen.Prefixed("req_", idgen.NanoID(12))

// RequestID reuses a well-formed incoming X-Request-ID or generates one, and
// stores it in the context (kit.GetRequestID), the response header and a
// per-request logger (GetLogger).
func RequestID(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" || len(id) > 64 || safe.ValidateIdentifier(id) != nil {
				id = newRequestID()
			}
			w.Header().Set(RequestIDHeader, id)

			reqLogger := logger.With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
			)
			ctx := kit.WithRequestID(kit.WithTransport(r.Context(), "http"), id)
			ctx = context.WithValue(ctx, loggerKey, reqLogger)
			reqLogger.Debug("shield: request", "remote_addr", r.RemoteAddr)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
