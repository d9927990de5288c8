package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/starford/larder/internal/backend"
	"github.com/starford/larder/internal/itemstore"
	"github.com/starford/larder/internal/models"
	"github.com/starford/larder/internal/testutil"
)

const owner = "u1"

func item(id string, expiry models.Date) models.Item {
	return models.Item{ID: id, OwnerID: owner, Name: id, ExpiryDate: expiry, Quantity: 1}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestDecode(t *testing.T) {
	it := item("a", models.MustParseDate("2024-06-11"))

	ev, err := Decode(testutil.Insert(it))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ev.(Insert); !ok || ev.ItemID() != "a" {
		t.Errorf("INSERT decoded as %#v", ev)
	}

	ev, _ = Decode(testutil.Update(it))
	if _, ok := ev.(Update); !ok {
		t.Errorf("UPDATE decoded as %#v", ev)
	}

	ev, _ = Decode(testutil.Delete("a"))
	if d, ok := ev.(Delete); !ok || d.ID != "a" {
		t.Errorf("DELETE decoded as %#v", ev)
	}

	bad := []backend.Change{
		{Type: backend.ChangeInsert},
		{Type: backend.ChangeUpdate, New: &models.Item{}},
		{Type: backend.ChangeDelete},
		{Type: "TRUNCATE"},
	}
	for _, c := range bad {
		if _, err := Decode(c); err == nil {
			t.Errorf("Decode(%+v) should fail", c)
		}
	}
}

// Expired item delivered by the feed is counted as expired.
func TestApply_InsertExpiredCounts(t *testing.T) {
	s := itemstore.New(owner)
	s.LoadAll(nil)
	now := time.Now()
	yesterday := models.DateOf(now).AddDays(-1)

	ev, err := Decode(testutil.Insert(item("x", yesterday)))
	if err != nil {
		t.Fatal(err)
	}
	Apply(s, ev)

	got := s.Counts(now)
	want := itemstore.Counts{All: 1, ExpiringSoon: 0, Expired: 1}
	if got != want {
		t.Errorf("Counts = %+v, want %+v", got, want)
	}
}

// An update for an id never seen inserts it exactly once.
func TestApply_UpdateOfUnknownInserts(t *testing.T) {
	s := itemstore.New(owner)
	ev, _ := Decode(testutil.Update(item("y", models.MustParseDate("2024-06-11"))))
	Apply(s, ev)
	Apply(s, ev)

	snap := s.Snapshot(itemstore.All, time.Now(), "")
	if len(snap) != 1 || snap[0].ID != "y" {
		t.Fatalf("snapshot = %+v, want exactly y", snap)
	}
}

func TestApply_DeleteAbsentIsNoop(t *testing.T) {
	s := itemstore.New(owner)
	if Apply(s, Delete{ID: "nope"}) {
		t.Error("delete of absent id reported a change")
	}
}

func TestReconciler_DeliversEvents(t *testing.T) {
	fake := testutil.NewFakeFeed()
	r := NewReconciler(fake, quietLogger())

	var mu sync.Mutex
	var got []string
	h, err := r.Open(context.Background(), owner, func(ev Event) {
		mu.Lock()
		got = append(got, ev.ItemID())
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer h.Close()

	fake.Push(owner, testutil.Insert(item("a", models.MustParseDate("2024-06-11"))))
	fake.Push(owner, backend.Change{Type: "BOGUS"})
	fake.Push(owner, testutil.Delete("a"))

	testutil.Eventually(t, 2*time.Second, 5*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, "expected two events")

	mu.Lock()
	defer mu.Unlock()
	if len(got) == 2 && (got[0] != "a" || got[1] != "a") {
		t.Errorf("events = %v", got)
	}
}

func TestReconciler_OpenFailure(t *testing.T) {
	fake := testutil.NewFakeFeed()
	fake.SetFailing(true)
	r := NewReconciler(fake, quietLogger())
	if _, err := r.Open(context.Background(), owner, func(Event) {}); err == nil {
		t.Fatal("expected error when subscribe fails")
	}
}

func TestReconciler_SingleSubscription(t *testing.T) {
	fake := testutil.NewFakeFeed()
	r := NewReconciler(fake, quietLogger())
	ctx := context.Background()

	if _, err := r.Open(ctx, owner, func(Event) {}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Open(ctx, owner, func(Event) {}); err != nil {
		t.Fatal(err)
	}
	if n := fake.Live(owner); n != 1 {
		t.Fatalf("live subscriptions = %d, want 1", n)
	}

	r.Close()
	r.Close()
	testutil.Eventually(t, time.Second, 5*time.Millisecond, func() bool {
		return fake.Live(owner) == 0
	}, "subscription not released on Close")
}

func TestReconciler_ResubscribesAfterDrop(t *testing.T) {
	fake := testutil.NewFakeFeed()

	var mu sync.Mutex
	reconnects, disconnects := 0, 0
	var ids []string

	r := NewReconciler(fake, quietLogger(),
		WithBackoff(5*time.Millisecond, 20*time.Millisecond),
		WithReconnect(func() { mu.Lock(); reconnects++; mu.Unlock() }),
		WithDisconnect(func(error) { mu.Lock(); disconnects++; mu.Unlock() }),
	)
	h, err := r.Open(context.Background(), owner, func(ev Event) {
		mu.Lock()
		ids = append(ids, ev.ItemID())
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Close()

	fake.SetFailing(true)
	fake.Drop(owner, errors.New("connection reset"))
	time.Sleep(30 * time.Millisecond)
	fake.SetFailing(false)

	testutil.Eventually(t, 2*time.Second, 5*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconnects == 1
	}, "expected one reconnect")

	fake.Push(owner, testutil.Insert(item("after", models.MustParseDate("2024-06-11"))))
	testutil.Eventually(t, 2*time.Second, 5*time.Millisecond, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ids) == 1 && ids[0] == "after"
	}, "event after resubscribe not delivered")

	mu.Lock()
	defer mu.Unlock()
	if disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", disconnects)
	}
	if fake.Opened() < 2 {
		t.Errorf("opened = %d, want at least 2", fake.Opened())
	}
}
