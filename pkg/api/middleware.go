package api

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const sessionCookieName = "runoor_session"

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// requireAdmin checks for a valid admin session cookie. Admin endpoints
// stay disabled until an admin password hash is configured.
func (s *server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Auth.AdminPasswordHash == "" {
			writeJSON(w, http.StatusForbidden,
				errorResponse{"admin endpoints are disabled"})

			return
		}

		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"authentication required"})

			return
		}

		session, err := s.store.GetSessionByToken(r.Context(), cookie.Value)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid or expired session"})

			return
		}

		if time.Now().UTC().After(session.ExpiresAt) {
			_ = s.store.DeleteSession(r.Context(), cookie.Value)
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"session expired"})

			return
		}

		// Throttle LastActiveAt updates to every 5 minutes.
		if session.LastActiveAt == nil ||
			time.Since(*session.LastActiveAt) > 5*time.Minute {
			go func() {
				if err := s.store.UpdateSessionLastActive(
					context.Background(), session.ID, time.Now().UTC(),
				); err != nil {
					s.log.WithError(err).
						Warn("Failed to update session last active")
				}
			}()
		}

		next.ServeHTTP(w, r)
	})
}

// requireWorkerToken checks the Bearer token on the worker result
// callback. A pass-through when no worker token is configured.
func (s *server) requireWorkerToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Auth.WorkerToken == "" {
			next.ServeHTTP(w, r)

			return
		}

		authHeader := r.Header.Get("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") ||
			authHeader[7:] != s.cfg.Auth.WorkerToken {
			writeJSON(w, http.StatusUnauthorized,
				errorResponse{"invalid worker token"})

			return
		}

		next.ServeHTTP(w, r)
	})
}
