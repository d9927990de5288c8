// Package backend declares the contracts of the hosted collaborators: the
// authorized record store, its change feed, blob storage and credentials.
//
// Every Records method takes the caller's identity and only ever touches rows
// owned by it, mirroring the row-level authorization of the hosted store.
package backend

import (
	"context"

	"github.com/starford/larder/internal/models"
)

// Records is the authorized CRUD API over profiles and expiry_items.
type Records interface {
	ListItems(ctx context.Context, ownerID string) ([]models.Item, error)
	GetItem(ctx context.Context, ownerID, id string) (models.Item, error)
	InsertItem(ctx context.Context, ownerID string, in models.ItemInput) (models.Item, error)
	UpdateItem(ctx context.Context, ownerID, id string, patch models.ItemPatch) (models.Item, error)
	DeleteItem(ctx context.Context, ownerID, id string) error

	GetProfile(ctx context.Context, userID string) (models.Profile, error)
	UpdateProfile(ctx context.Context, userID string, patch models.ProfilePatch) (models.Profile, error)
}

// ChangeType discriminates change feed events.
type ChangeType string

// Change types as delivered by the feed.
const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is one raw row-level notification. New is set for inserts and
// updates, Old for deletes (only Old.ID is guaranteed).
type Change struct {
	Type ChangeType   `json:"type"`
	New  *models.Item `json:"new,omitempty"`
	Old  *models.Item `json:"old,omitempty"`
}

// ChangeFeed opens live subscriptions filtered server-side to one owner.
type ChangeFeed interface {
	Subscribe(ctx context.Context, ownerID string) (Subscription, error)
}

// Subscription is a live change stream. Changes is closed when the
// subscription ends; Err then reports why (nil after Close).
type Subscription interface {
	Changes() <-chan Change
	Err() error
	Close() error
}

// Blobs is the object store for item images.
type Blobs interface {
	// Upload stores data at path. The first path segment must equal ownerID.
	Upload(ctx context.Context, ownerID, path string, data []byte) error
	// PublicURL returns the URL under which path is served.
	PublicURL(path string) string
}

// Credentials stores user accounts for the identity provider.
type Credentials interface {
	// CreateUser creates the account and its profile. Returns
	// apperr.ErrAlreadyExists when the email is taken.
	CreateUser(ctx context.Context, user models.User, displayName string) error
	UserByEmail(ctx context.Context, email string) (models.User, error)
	UserByID(ctx context.Context, id string) (models.User, error)
}

// Backend bundles the collaborators of one deployment.
type Backend interface {
	Records
	ChangeFeed
	Credentials
	Close() error
}
