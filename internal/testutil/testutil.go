// Package testutil provides shared test helpers for backends and change feeds.
package testutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/starford/larder/internal/apperr"
	"github.com/starford/larder/internal/backend"
	"github.com/starford/larder/internal/localdb"
	"github.com/starford/larder/internal/models"
)

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T, opts ...localdb.Option) *localdb.DB {
	t.Helper()
	db, err := localdb.Open(filepath.Join(t.TempDir(), "larder-test.db"), opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestUser creates an account in creds and returns its id.
func TestUser(t *testing.T, creds backend.Credentials, email string) string {
	t.Helper()
	u := models.User{ID: uuid.NewString(), Email: email, PasswordHash: "x"}
	if err := creds.CreateUser(context.Background(), u, "Tester"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return u.ID
}

// Eventually polls fn every tick until it returns true or timeout elapses.
func Eventually(t *testing.T, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

// Today returns the current calendar date in the local zone.
func Today() models.Date {
	return models.DateOf(time.Now())
}

// FakeFeed is an in-memory backend.ChangeFeed driven by the test.
type FakeFeed struct {
	mu      sync.Mutex
	subs    map[string][]*fakeSub
	opened  int
	failing bool
}

// NewFakeFeed returns an empty feed.
func NewFakeFeed() *FakeFeed {
	return &FakeFeed{subs: make(map[string][]*fakeSub)}
}

// Subscribe implements backend.ChangeFeed.
func (f *FakeFeed) Subscribe(_ context.Context, ownerID string) (backend.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, apperr.ErrRemoteUnavailable
	}
	s := &fakeSub{ch: make(chan backend.Change, 64)}
	f.subs[ownerID] = append(f.subs[ownerID], s)
	f.opened++
	return s, nil
}

// SetFailing makes later Subscribe calls fail until reset.
func (f *FakeFeed) SetFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

// Opened returns how many subscriptions were ever opened.
func (f *FakeFeed) Opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened
}

// Live returns how many subscriptions of ownerID are still open.
func (f *FakeFeed) Live(ownerID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subs[ownerID] {
		if !s.isClosed() {
			n++
		}
	}
	return n
}

// Push delivers c to every live subscription of ownerID.
func (f *FakeFeed) Push(ownerID string, c backend.Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs[ownerID] {
		s.send(c)
	}
}

// Drop ends every live subscription of ownerID with err.
func (f *FakeFeed) Drop(ownerID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.subs[ownerID] {
		s.end(err)
	}
}

type fakeSub struct {
	mu     sync.Mutex
	ch     chan backend.Change
	closed bool
	err    error
}

func (s *fakeSub) Changes() <-chan backend.Change { return s.ch }

func (s *fakeSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *fakeSub) Close() error {
	s.end(nil)
	return nil
}

func (s *fakeSub) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSub) send(c backend.Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.ch <- c
	}
}

func (s *fakeSub) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// Insert builds an INSERT change.
func Insert(it models.Item) backend.Change {
	return backend.Change{Type: backend.ChangeInsert, New: &it}
}

// Update builds an UPDATE change.
func Update(it models.Item) backend.Change {
	return backend.Change{Type: backend.ChangeUpdate, New: &it}
}

// Delete builds a DELETE change carrying only the id.
func Delete(id string) backend.Change {
	return backend.Change{Type: backend.ChangeDelete, Old: &models.Item{ID: id}}
}
