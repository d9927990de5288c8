// Package feed bridges the backend change feed into an item store.
//
// Raw changes are decoded into the tagged events Insert, Update and Delete
// and applied by the single dispatch function Apply. The Reconciler owns the
// live subscription: it opens it, delivers events, and after an unexpected
// drop resubscribes with backoff and asks its owner to reload.
package feed

import (
	"fmt"

	"github.com/starford/larder/internal/backend"
	"github.com/starford/larder/internal/itemstore"
	"github.com/starford/larder/internal/models"
)

// Event is one of Insert, Update or Delete.
type Event interface {
	// ItemID returns the id of the affected item.
	ItemID() string
	isEvent()
}

// Insert adds an item not yet known locally.
type Insert struct{ Item models.Item }

// Update replaces an item, inserting it when unknown.
type Update struct{ Item models.Item }

// Delete removes an item by id.
type Delete struct{ ID string }

func (e Insert) ItemID() string { return e.Item.ID }
func (e Update) ItemID() string { return e.Item.ID }
func (e Delete) ItemID() string { return e.ID }

func (Insert) isEvent() {}
func (Update) isEvent() {}
func (Delete) isEvent() {}

// Decode converts a raw change into an Event.
func Decode(c backend.Change) (Event, error) {
	switch c.Type {
	case backend.ChangeInsert, backend.ChangeUpdate:
		if c.New == nil || c.New.ID == "" {
			return nil, fmt.Errorf("feed: %s without new record", c.Type)
		}
		if c.Type == backend.ChangeInsert {
			return Insert{Item: *c.New}, nil
		}
		return Update{Item: *c.New}, nil
	case backend.ChangeDelete:
		if c.Old == nil || c.Old.ID == "" {
			return nil, fmt.Errorf("feed: DELETE without old id")
		}
		return Delete{ID: c.Old.ID}, nil
	default:
		return nil, fmt.Errorf("feed: unknown change type %q", c.Type)
	}
}

// Apply dispatches ev to the matching store method and reports whether the
// snapshot changed.
func Apply(s *itemstore.Store, ev Event) bool {
	switch e := ev.(type) {
	case Insert:
		return s.ApplyInsert(e.Item)
	case Update:
		return s.ApplyUpdate(e.Item)
	case Delete:
		return s.ApplyDelete(e.ID)
	default:
		return false
	}
}
