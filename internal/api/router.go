package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/larder/internal/auth"
	"github.com/starford/larder/internal/notify"
	"github.com/starford/larder/internal/sse"
	"github.com/starford/larder/internal/storage"
	"github.com/starford/larder/internal/tracker"
)

// Deps are the collaborators the API serves.
type Deps struct {
	Auth       *auth.Provider
	Sessions   *tracker.Manager
	Permission *notify.PermissionGate
	// Broker and Blobs are optional: without them /events and /blobs are not mounted.
	Broker *sse.Broker
	Blobs  *storage.FS
}

// NewRouter creates a chi router with all API routes mounted.
func NewRouter(d Deps) chi.Router {
	if d.Permission == nil {
		d.Permission = notify.NewPermissionGate(notify.PermissionPrompt, nil)
	}
	h := &Handler{deps: d}

	r := chi.NewRouter()

	// Account (no session required).
	r.Post("/auth/signup", h.SignUp)
	r.Post("/auth/signin", h.SignIn)
	r.Post("/auth/signout", h.SignOut)

	// Alert permission is a host setting, shared by every session.
	r.Get("/notifications/permission", h.GetPermission)
	r.Put("/notifications/permission", h.SetPermission)
	r.Post("/notifications/permission/request", h.RequestPermission)

	if d.Blobs != nil {
		r.Get("/blobs/*", h.ServeBlob)
	}

	r.Group(func(r chi.Router) {
		r.Use(RequireSession(d.Auth, d.Sessions))

		r.Get("/auth/session", h.WhoAmI)
		r.Get("/profile", h.GetProfile)
		r.Patch("/profile", h.UpdateProfile)

		r.Get("/items", h.ListItems)
		r.Post("/items", h.CreateItem)
		r.Get("/items/{id}", h.GetItem)
		r.Patch("/items/{id}", h.UpdateItem)
		r.Delete("/items/{id}", h.DeleteItem)
		r.Post("/items/{id}/image", h.UploadImage)
		r.Get("/counts", h.Counts)

		r.Get("/export", h.Export)
		r.Post("/import", h.Import)

		r.Post("/notifications/scan", h.Scan)

		if d.Broker != nil {
			r.Get("/events", h.Events)
		}
	})

	return r
}

// Handler holds API route handlers.
type Handler struct {
	deps Deps
}

// Events handles GET /api/events: a Server-Sent Events stream of the
// caller's items.changed and alert events.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	h.deps.Broker.Serve(w, r, sessionFrom(r).OwnerID())
}
