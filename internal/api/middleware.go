// Package api implements the local view API using chi.
package api

import (
	"context"
	"net/http"

	"github.com/starford/larder/internal/auth"
	"github.com/starford/larder/internal/tracker"
)

type ctxKey struct{}

// RequireSession resolves the caller's identity (a Bearer token, or the
// session stored on this machine) and attaches the live tracker session.
// Requests without an identity get 401.
func RequireSession(provider *auth.Provider, sessions *tracker.Manager) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := provider.ResolveRequest(r)
			if err != nil {
				writeError(w, r, err)
				return
			}
			s, err := sessions.For(r.Context(), identity)
			if err != nil {
				writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, s)))
		})
	}
}

func sessionFrom(r *http.Request) *tracker.Session {
	s, _ := r.Context().Value(ctxKey{}).(*tracker.Session)
	return s
}
