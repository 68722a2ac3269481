package server

import (
	"net/http"
	"strings"
)

const bearerPrefix = "Bearer "

// requireAuth gates a management handler behind the configured bearer
// token. When no token is configured, every request is allowed through
// (spec.md §6: /readiness and /status are "auth-gated same as" the
// POST routes, which themselves require no token when none is set).
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authToken == "" {
			next(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, bearerPrefix) || strings.TrimPrefix(header, bearerPrefix) != s.authToken {
			s.writeUnauthorized(w)
			return
		}

		next(w, r)
	}
}
