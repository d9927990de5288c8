// Package itemstore holds the in-memory, ordered item collection of one user.
package itemstore

import (
	"slices"
	"strings"
	"time"

	"github.com/starford/larder/internal/datestatus"
	"github.com/starford/larder/internal/models"
)

// Filter selects a subset of the snapshot.
type Filter string

// Supported filters.
const (
	All          Filter = "all"
	ExpiringSoon Filter = "expiring_soon"
	Expired      Filter = "expired"
)

// ParseFilter maps a query value to a Filter. Unknown or empty values mean All.
func ParseFilter(s string) Filter {
	switch Filter(strings.ToLower(strings.TrimSpace(s))) {
	case ExpiringSoon, "soon":
		return ExpiringSoon
	case Expired:
		return Expired
	default:
		return All
	}
}

// Counts summarises the collection for badges.
type Counts struct {
	All          int `json:"all"`
	ExpiringSoon int `json:"expiring_soon"`
	Expired      int `json:"expired"`
}

// Observer is notified after every mutation that changed the collection.
type Observer func()

// Store is the authoritative collection for a single owner.
//
// Store is not safe for concurrent use. The owning session serializes all
// calls through its event loop.
type Store struct {
	owner     string
	items     []models.Item // sorted by (ExpiryDate, ID)
	index     map[string]int
	observers map[int]Observer
	nextObs   int
}

// New returns an empty store for owner.
func New(owner string) *Store {
	return &Store{
		owner:     owner,
		index:     make(map[string]int),
		observers: make(map[int]Observer),
	}
}

// Owner returns the identity this store is scoped to.
func (s *Store) Owner() string { return s.owner }

// Len returns the number of items.
func (s *Store) Len() int { return len(s.items) }

// Observe registers fn and returns a function that removes it.
func (s *Store) Observe(fn Observer) func() {
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	return func() { delete(s.observers, id) }
}

// LoadAll replaces the collection with items. Items of other owners and
// duplicate ids (last one wins) are dropped.
func (s *Store) LoadAll(items []models.Item) {
	byID := make(map[string]models.Item, len(items))
	for _, it := range items {
		if it.OwnerID != s.owner || it.ID == "" {
			continue
		}
		byID[it.ID] = it
	}
	s.items = make([]models.Item, 0, len(byID))
	for _, it := range byID {
		s.items = append(s.items, it)
	}
	slices.SortFunc(s.items, compare)
	s.reindex()
	s.notify()
}

// ApplyInsert adds item unless its id is already present. It reports whether
// the collection changed.
func (s *Store) ApplyInsert(item models.Item) bool {
	if !s.accepts(item) {
		return false
	}
	if _, ok := s.index[item.ID]; ok {
		return false
	}
	s.insertSorted(item)
	s.notify()
	return true
}

// ApplyUpdate replaces the item with the same id. An unknown id is inserted,
// which heals a missed or reordered insert event.
func (s *Store) ApplyUpdate(item models.Item) bool {
	if !s.accepts(item) {
		return false
	}
	pos, ok := s.index[item.ID]
	if !ok {
		s.insertSorted(item)
		s.notify()
		return true
	}
	old := s.items[pos]
	if old.ExpiryDate.Equal(item.ExpiryDate) {
		s.items[pos] = item
	} else {
		s.removeAt(pos)
		s.insertSorted(item)
	}
	s.notify()
	return true
}

// ApplyResponse applies the result of a direct write. Unlike a feed event it
// can arrive after a newer version of the item, so it is skipped when the
// stored copy has a later UpdatedAt.
func (s *Store) ApplyResponse(item models.Item) bool {
	if pos, ok := s.index[item.ID]; ok && s.items[pos].UpdatedAt.After(item.UpdatedAt) {
		return false
	}
	return s.ApplyUpdate(item)
}

// ApplyDelete removes the item with id, if present.
func (s *Store) ApplyDelete(id string) bool {
	pos, ok := s.index[id]
	if !ok {
		return false
	}
	s.removeAt(pos)
	s.notify()
	return true
}

// Get returns the item with id.
func (s *Store) Get(id string) (models.Item, bool) {
	pos, ok := s.index[id]
	if !ok {
		return models.Item{}, false
	}
	return s.items[pos], true
}

// Snapshot returns a copy of the ordered items passing filter, classified
// against now. query, when non-empty, further narrows by text.
func (s *Store) Snapshot(filter Filter, now time.Time, query string) []models.Item {
	today := models.DateOf(now)
	out := make([]models.Item, 0, len(s.items))
	for _, it := range s.items {
		if !keep(filter, datestatus.Classify(it.ExpiryDate, today).Tier) {
			continue
		}
		if !it.Matches(query) {
			continue
		}
		out = append(out, it)
	}
	return out
}

// Items returns a copy of every item in order.
func (s *Store) Items() []models.Item {
	return slices.Clone(s.items)
}

// Counts classifies every item against now.
func (s *Store) Counts(now time.Time) Counts {
	today := models.DateOf(now)
	c := Counts{All: len(s.items)}
	for _, it := range s.items {
		tier := datestatus.Classify(it.ExpiryDate, today).Tier
		switch {
		case tier == datestatus.Expired:
			c.Expired++
		case tier.ExpiringSoon():
			c.ExpiringSoon++
		}
	}
	return c
}

func keep(f Filter, tier datestatus.Tier) bool {
	switch f {
	case ExpiringSoon:
		return tier.ExpiringSoon()
	case Expired:
		return tier == datestatus.Expired
	default:
		return true
	}
}

func (s *Store) accepts(item models.Item) bool {
	return item.ID != "" && item.OwnerID == s.owner
}

func (s *Store) insertSorted(item models.Item) {
	pos, _ := slices.BinarySearchFunc(s.items, item, compare)
	s.items = slices.Insert(s.items, pos, item)
	s.reindexFrom(pos)
}

func (s *Store) removeAt(pos int) {
	delete(s.index, s.items[pos].ID)
	s.items = slices.Delete(s.items, pos, pos+1)
	s.reindexFrom(pos)
}

func (s *Store) reindex() {
	s.index = make(map[string]int, len(s.items))
	s.reindexFrom(0)
}

func (s *Store) reindexFrom(pos int) {
	for i := pos; i < len(s.items); i++ {
		s.index[s.items[i].ID] = i
	}
}

func (s *Store) notify() {
	for _, fn := range s.observers {
		fn()
	}
}

// compare orders by expiry date, then id.
func compare(a, b models.Item) int {
	if c := a.ExpiryDate.Compare(b.ExpiryDate); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
