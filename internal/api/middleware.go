package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/chorushq/chorus/internal/ids"
)

type ctxKey int

const requestIDKey ctxKey = 0

// Body caps by content category.
const (
	maxRequestIDLen = 64
)

func requestIDFrom(r *http.Request) string {
	if id, ok := r.Context().Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// sanitizeRequestID keeps a client-supplied id only when it is short and
// printable ASCII without spaces.
func sanitizeRequestID(s string) string {
	if s == "" || len(s) > maxRequestIDLen {
		return ""
	}
	for _, r := range s {
		if r <= 0x20 || r >= 0x7f {
			return ""
		}
	}
	return s
}

// wrap applies the outer middleware chain: recover, security headers,
// request id, drain check, rate limit. Body caps and auth are per-route.
func (s *Server) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := sanitizeRequestID(r.Header.Get("X-Request-ID"))
		if id == "" {
			id = ids.NewRequestID()
		}
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, id))
		w.Header().Set("X-Request-ID", id)

		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Content-Security-Policy",
			"default-src 'self'; script-src 'self'; connect-src 'self' ws: wss:")

		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic",
					"request_id", id,
					"path", r.URL.Path,
					"panic", fmt.Sprint(rec))
				writeError(w, r, http.StatusInternalServerError, CodeInternal, "internal error", nil)
			}
		}()

		health := r.URL.Path == "/health"

		if !health && s.draining.Load() {
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusServiceUnavailable, CodeShuttingDown, "daemon is shutting down", nil)
			return
		}

		if !health {
			ok, retry := s.limiter.allow(clientAddr(r))
			if !ok {
				w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())))
				writeError(w, r, http.StatusTooManyRequests, CodeRateLimited, "rate limit exceeded",
					map[string]any{"retry_after_ms": retry.Milliseconds()})
				return
			}
		}

		next.ServeHTTP(w, r)
	})
}

// capBody bounds the request body before any JSON parsing.
func capBody(limit int64, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		next(w, r)
	}
}

// authed requires a valid bearer token. Read endpoints skip this; every
// mutation goes through it.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			writeError(w, r, http.StatusServiceUnavailable, CodeNoAuthConfigured,
				"daemon has no auth token; mutations are refused", nil)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			writeError(w, r, http.StatusUnauthorized, CodeMissingAuth, "bearer token required", nil)
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			writeError(w, r, http.StatusUnauthorized, CodeInvalidAuth, "invalid bearer token", nil)
			return
		}
		next(w, r)
	}
}

// bootstrapToken accepts the token either as a bearer header or a query
// parameter. Used only by the bootstrap endpoint, which browser UIs hit
// before they can set headers.
func (s *Server) bootstrapToken(r *http.Request) bool {
	if s.token == "" {
		return false
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) == 1
}
