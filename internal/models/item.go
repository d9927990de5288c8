// Package models defines the domain types for Larder.
package models

import (
	"strings"
	"time"
)

// DefaultQuantity is used when an item is created or imported without a quantity.
const DefaultQuantity = 1

// Item is one tracked perishable good, as stored in the expiry_items collection.
type Item struct {
	ID         string    `json:"id" yaml:"id"`
	OwnerID    string    `json:"user_id" yaml:"user_id"`
	Name       string    `json:"name" yaml:"name"`
	Category   string    `json:"category,omitempty" yaml:"category,omitempty"`
	ExpiryDate Date      `json:"expiry_date" yaml:"expiry_date"`
	ImageRef   string    `json:"image_url,omitempty" yaml:"image_url,omitempty"`
	Notes      string    `json:"notes,omitempty" yaml:"notes,omitempty"`
	Quantity   int       `json:"quantity" yaml:"quantity"`
	CreatedAt  time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"updated_at"`
}

// Matches reports whether q occurs (case-insensitively) in the item's name,
// category or notes. An empty query matches everything.
func (it Item) Matches(q string) bool {
	q = strings.TrimSpace(q)
	if q == "" {
		return true
	}
	q = strings.ToLower(q)
	return strings.Contains(strings.ToLower(it.Name), q) ||
		strings.Contains(strings.ToLower(it.Category), q) ||
		strings.Contains(strings.ToLower(it.Notes), q)
}

// ItemInput carries the caller-editable fields for creating an item.
type ItemInput struct {
	Name       string `json:"name"`
	Category   string `json:"category,omitempty"`
	ExpiryDate Date   `json:"expiry_date"`
	ImageRef   string `json:"image_url,omitempty"`
	Notes      string `json:"notes,omitempty"`
	Quantity   int    `json:"quantity,omitempty"`
}

// ItemPatch is a partial update. Nil fields are left untouched.
type ItemPatch struct {
	Name       *string `json:"name,omitempty"`
	Category   *string `json:"category,omitempty"`
	ExpiryDate *Date   `json:"expiry_date,omitempty"`
	ImageRef   *string `json:"image_url,omitempty"`
	Notes      *string `json:"notes,omitempty"`
	Quantity   *int    `json:"quantity,omitempty"`
}

// Apply returns a copy of it with the patch applied.
func (p ItemPatch) Apply(it Item) Item {
	if p.Name != nil {
		it.Name = *p.Name
	}
	if p.Category != nil {
		it.Category = *p.Category
	}
	if p.ExpiryDate != nil {
		it.ExpiryDate = *p.ExpiryDate
	}
	if p.ImageRef != nil {
		it.ImageRef = *p.ImageRef
	}
	if p.Notes != nil {
		it.Notes = *p.Notes
	}
	if p.Quantity != nil {
		it.Quantity = *p.Quantity
	}
	return it
}

// Profile is the per-user profile row.
type Profile struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"name"`
	AvatarRef   string    `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ProfilePatch is a partial profile update.
type ProfilePatch struct {
	DisplayName *string `json:"name,omitempty"`
	AvatarRef   *string `json:"avatar_url,omitempty"`
}

// Session is an authenticated identity.
type Session struct {
	UserID        string    `json:"user_id"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"email_verified"`
	Token         string    `json:"-"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// User is a credentials row.
type User struct {
	ID            string
	Email         string
	PasswordHash  string
	EmailVerified bool
	CreatedAt     time.Time
}
