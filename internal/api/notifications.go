package api

import (
	"net/http"

	"github.com/starford/larder/internal/notify"
)

// GetPermission handles GET /api/notifications/permission.
func (h *Handler) GetPermission(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, PermissionResponse{State: h.deps.Permission.State()})
}

// SetPermission handles PUT /api/notifications/permission. Changing the
// permission never resets which alerts have already fired.
func (h *Handler) SetPermission(w http.ResponseWriter, r *http.Request) {
	var req PermissionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	p, err := notify.ParsePermission(req.State)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	h.deps.Permission.Set(p)
	writeJSON(w, http.StatusOK, PermissionResponse{State: p})
}

// RequestPermission handles POST /api/notifications/permission/request.
func (h *Handler) RequestPermission(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, PermissionResponse{State: h.deps.Permission.Request()})
}

// Scan handles POST /api/notifications/scan: one scan for today, outside the timers.
func (h *Handler) Scan(w http.ResponseWriter, r *http.Request) {
	alerts, err := sessionFrom(r).ScanNow(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []notify.Alert{}
	}
	writeJSON(w, http.StatusOK, ScanResponse{Alerts: alerts})
}
