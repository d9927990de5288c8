package api

import (
	"github.com/starford/larder/internal/auth"
	"github.com/starford/larder/internal/itemstore"
	"github.com/starford/larder/internal/models"
	"github.com/starford/larder/internal/notify"
)

// SignUpRequest is the request body for creating an account.
type SignUpRequest = auth.SignUpInput

// SignInRequest is the request body for signing in.
type SignInRequest = auth.SignInInput

// SessionResponse is returned after sign up or sign in. Token may be sent
// back as "Authorization: Bearer <token>".
type SessionResponse struct {
	Token   string         `json:"token"`
	Session models.Session `json:"session"`
}

// ItemListResponse wraps a filtered snapshot together with the badge counts.
type ItemListResponse struct {
	Items  []models.Item    `json:"items"`
	Total  int              `json:"total"`
	Counts itemstore.Counts `json:"counts"`
}

// ImportResponse reports how many records were created.
type ImportResponse struct {
	Imported int `json:"imported"`
}

// PermissionRequest sets the alert permission.
type PermissionRequest struct {
	State string `json:"state"`
}

// PermissionResponse reports the alert permission.
type PermissionResponse struct {
	State notify.Permission `json:"state"`
}

// ScanResponse lists the alerts that became due in a manual scan.
type ScanResponse struct {
	Alerts []notify.Alert `json:"alerts"`
}
