package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

const (
	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"
	roleAdmin       = "admin"
)

// requestLogger logs one line per request on zerolog.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			ev := log.Info()
			if status >= http.StatusInternalServerError {
				ev = log.Error()
			}
			ev.Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", status).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Str("actor", r.Header.Get(headerActorID)).
				Msg("http request")
		})
	}
}

// actorID is the caller identity. Authentication happens upstream.
func actorID(r *http.Request) string {
	return r.Header.Get(headerActorID)
}

// requireAdmin rejects anonymous callers with 401 and callers without the
// admin role with 403.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actorID(r) == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: headerActorID + " header required", Code: "unauthenticated"})
			return
		}
		if r.Header.Get(headerActorRole) != roleAdmin {
			writeJSON(w, http.StatusForbidden, ErrorResponse{Error: "admin role required", Code: "forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireActor rejects anonymous callers.
func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actorID(r) == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: headerActorID + " header required", Code: "unauthenticated"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
