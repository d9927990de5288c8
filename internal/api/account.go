package api

import (
	"net/http"

	"github.com/starford/larder/internal/models"
)

// SignUp handles POST /api/auth/signup and starts the new user's session.
func (h *Handler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req SignUpRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity, err := h.deps.Auth.SignUp(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.activate(w, r, identity, http.StatusCreated)
}

// SignIn handles POST /api/auth/signin and starts the user's session.
func (h *Handler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req SignInRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	identity, err := h.deps.Auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.activate(w, r, identity, http.StatusOK)
}

func (h *Handler) activate(w http.ResponseWriter, r *http.Request, identity models.Session, status int) {
	if _, err := h.deps.Sessions.For(r.Context(), identity); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, status, SessionResponse{Token: identity.Token, Session: identity})
}

// SignOut handles POST /api/auth/signout: the stored session is forgotten
// and the caller's live session torn down.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	identity, resolveErr := h.deps.Auth.ResolveRequest(r)
	if err := h.deps.Auth.SignOut(); err != nil {
		writeError(w, r, err)
		return
	}
	if resolveErr == nil {
		h.deps.Sessions.StopOwner(identity.UserID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// WhoAmI handles GET /api/auth/session.
func (h *Handler) WhoAmI(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, sessionFrom(r).Identity())
}

// GetProfile handles GET /api/profile.
func (h *Handler) GetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := sessionFrom(r).Profile(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// UpdateProfile handles PATCH /api/profile.
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	var patch models.ProfilePatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	p, err := sessionFrom(r).UpdateProfile(r.Context(), patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
