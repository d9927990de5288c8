package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/starford/larder/internal/apperr"
	"github.com/starford/larder/internal/models"
)

// Gate resolves the current identity. Components receive the resolved
// session as a parameter instead of querying the gate themselves.
type Gate interface {
	Resolve(ctx context.Context) (models.Session, error)
}

// Verify *Provider satisfies Gate at compile time.
var _ Gate = (*Provider)(nil)

// Resolve returns the stored session or apperr.ErrUnauthorized.
func (p *Provider) Resolve(ctx context.Context) (models.Session, error) {
	s, err := p.GetSession(ctx)
	if err != nil {
		return models.Session{}, err
	}
	if s == nil {
		return models.Session{}, apperr.ErrUnauthorized
	}
	return *s, nil
}

// ResolveRequest accepts an "Authorization: Bearer <token>" header and falls
// back to the stored session.
func (p *Provider) ResolveRequest(r *http.Request) (models.Session, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		token, ok := strings.CutPrefix(h, "Bearer ")
		if !ok || token == "" {
			return models.Session{}, apperr.ErrUnauthorized
		}
		s, err := p.Verify(token)
		if err != nil {
			return models.Session{}, err
		}
		if _, err := p.creds.UserByID(r.Context(), s.UserID); err != nil {
			if errors.Is(err, apperr.ErrNotFound) {
				return models.Session{}, apperr.ErrUnauthorized
			}
			return models.Session{}, apperr.Remote("auth: resolve", err)
		}
		return s, nil
	}
	return p.Resolve(r.Context())
}
