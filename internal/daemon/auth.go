package daemon

import (
	"context"
	"net/http"
	"strings"
)

type ownerKey struct{}

// ownerFromContext returns the authenticated owner id for the request.
func ownerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

// requireAuth validates the bearer token and stashes the owner id on the
// request context. Every project route goes through it.
func (s *apiServer) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.daemon.tokens == nil {
			s.writeError(w, http.StatusServiceUnavailable, "identity is not configured")
			return
		}
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		owner, err := s.daemon.tokens.Validate(strings.TrimSpace(token))
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	}
}
