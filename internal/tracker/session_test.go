package tracker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/starford/larder/internal/apperr"
	"github.com/starford/larder/internal/backend"
	"github.com/starford/larder/internal/itemstore"
	"github.com/starford/larder/internal/localdb"
	"github.com/starford/larder/internal/models"
	"github.com/starford/larder/internal/notify"
	"github.com/starford/larder/internal/storage"
	"github.com/starford/larder/internal/testutil"
	"github.com/starford/larder/internal/transfer"
)

type recorder struct {
	mu     sync.Mutex
	alerts []notify.Alert
}

func (r *recorder) Show(_ context.Context, a notify.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alerts)
}

type viewRecorder struct {
	mu    sync.Mutex
	calls int
	last  itemstore.Counts
}

func (v *viewRecorder) ItemsChanged(_ string, c itemstore.Counts) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	v.last = c
}

type env struct {
	db      *localdb.DB
	feed    *testutil.FakeFeed
	alerts  *recorder
	view    *viewRecorder
	session *Session
	owner   string
}

func testOptions() Options {
	return Options{NoTimers: true, Backoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond}
}

func quiet() *slog.Logger { return slog.New(slog.NewJSONHandler(io.Discard, nil)) }

// newEnv starts a session over a temp SQLite store and a fake feed.
func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		db:     testutil.TestDB(t),
		feed:   testutil.NewFakeFeed(),
		alerts: &recorder{},
		view:   &viewRecorder{},
	}
	e.owner = testutil.TestUser(t, e.db, "owner@example.com")
	s, err := Start(context.Background(), models.Session{UserID: e.owner}, Deps{
		Records:    e.db,
		Feed:       e.feed,
		Notifier:   e.alerts,
		Permission: notify.NewPermissionGate(notify.PermissionGranted, nil),
		View:       e.view,
		Logger:     quiet(),
	}, testOptions())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(s.Close)
	e.session = s
	return e
}

func (e *env) item(id string, expiry models.Date) models.Item {
	return models.Item{ID: id, OwnerID: e.owner, Name: id, ExpiryDate: expiry, Quantity: 1}
}

func (e *env) counts(t *testing.T) itemstore.Counts {
	t.Helper()
	c, err := e.session.Counts(context.Background())
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	return c
}

func TestStart_RequiresIdentity(t *testing.T) {
	_, err := Start(context.Background(), models.Session{}, Deps{}, testOptions())
	if !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestStart_LoadsExistingItems(t *testing.T) {
	db := testutil.TestDB(t)
	owner := testutil.TestUser(t, db, "load@example.com")
	ctx := context.Background()
	_, _ = db.InsertItem(ctx, owner, models.ItemInput{Name: "Later", ExpiryDate: testutil.Today().AddDays(20)})
	_, _ = db.InsertItem(ctx, owner, models.ItemInput{Name: "Sooner", ExpiryDate: testutil.Today().AddDays(2)})

	s, err := Start(ctx, models.Session{UserID: owner}, Deps{Records: db, Feed: testutil.NewFakeFeed(), Logger: quiet()}, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	items, _ := s.List(ctx, itemstore.All, "")
	if len(items) != 2 || items[0].Name != "Sooner" {
		t.Fatalf("snapshot = %+v", items)
	}
}

// An expired item arriving through the feed is counted as expired.
func TestFeedInsert_ExpiredCounts(t *testing.T) {
	e := newEnv(t)
	e.feed.Push(e.owner, testutil.Insert(e.item("x", testutil.Today().AddDays(-1))))

	want := itemstore.Counts{All: 1, ExpiringSoon: 0, Expired: 1}
	testutil.Eventually(t, 2*time.Second, 5*time.Millisecond, func() bool {
		return e.counts(t) == want
	}, "counts did not reach {1 0 1}")
}

// An update for an unseen id yields exactly one item.
func TestFeedUpdate_UnknownIDInserted(t *testing.T) {
	e := newEnv(t)
	y := e.item("y", testutil.Today().AddDays(4))
	e.feed.Push(e.owner, testutil.Update(y))
	e.feed.Push(e.owner, testutil.Update(y))

	testutil.Eventually(t, 2*time.Second, 5*time.Millisecond, func() bool {
		items, _ := e.session.List(context.Background(), itemstore.All, "")
		return len(items) == 1 && items[0].ID == "y"
	}, "expected exactly one item y")
}

func TestFeed_ForeignOwnerIgnored(t *testing.T) {
	e := newEnv(t)
	foreign := e.item("f", testutil.Today())
	foreign.OwnerID = "someone-else"
	e.feed.Push(e.owner, testutil.Insert(foreign))
	e.feed.Push(e.owner, testutil.Insert(e.item("mine", testutil.Today())))

	testutil.Eventually(t, 2*time.Second, 5*time.Millisecond, func() bool {
		return e.counts(t).All == 1
	}, "own item not applied")
	if _, err := e.session.Get(context.Background(), "f"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("foreign item visible: %v", err)
	}
}

// A same-day rescan does not repeat the 7-day alert.
func TestScan_SevenDayAlertOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.session.Add(ctx, models.ItemInput{Name: "Milk", ExpiryDate: testutil.Today().AddDays(7)}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	due, err := e.session.ScanNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0].Threshold != 7 {
		t.Fatalf("due = %+v", due)
	}
	due, _ = e.session.ScanNow(ctx)
	if len(due) != 0 {
		t.Fatalf("second scan due = %+v", due)
	}
	if e.alerts.count() != 1 {
		t.Errorf("alerts shown = %d, want 1", e.alerts.count())
	}
}

func TestStart_ScansAfterLoad(t *testing.T) {
	db := testutil.TestDB(t)
	owner := testutil.TestUser(t, db, "scan@example.com")
	ctx := context.Background()
	_, _ = db.InsertItem(ctx, owner, models.ItemInput{Name: "Today", ExpiryDate: testutil.Today()})

	rec := &recorder{}
	s, err := Start(ctx, models.Session{UserID: owner}, Deps{
		Records:    db,
		Notifier:   rec,
		Permission: notify.NewPermissionGate(notify.PermissionGranted, nil),
		Logger:     quiet(),
	}, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if rec.count() != 1 {
		t.Errorf("alerts after start = %d, want 1", rec.count())
	}
}

// Imported records without quantity are stored with quantity 1.
func TestImport_DefaultsQuantity(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc := `[{"name": "Beans", "expiry_date": "2030-01-01"}, {"name": "Rice", "expiry_date": "2030-02-01"}]`

	n, err := e.session.Import(ctx, []byte(doc))
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 2 {
		t.Fatalf("imported %d, want 2", n)
	}
	stored, err := e.db.ListItems(ctx, e.owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 2 {
		t.Fatalf("stored %d items, want 2", len(stored))
	}
	for _, it := range stored {
		if it.Quantity != 1 {
			t.Errorf("%s quantity = %d, want 1", it.Name, it.Quantity)
		}
		if it.OwnerID != e.owner {
			t.Errorf("%s owner = %q", it.Name, it.OwnerID)
		}
	}
}

func TestImport_InvalidDocumentInsertsNothing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	doc := `[{"name": "Good", "expiry_date": "2030-01-01"}, {"name": "", "expiry_date": "2030-01-01"}]`
	if _, err := e.session.Import(ctx, []byte(doc)); !apperr.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := e.session.Import(ctx, []byte(`{"name": "x"}`)); !apperr.IsValidation(err) {
		t.Fatalf("non-array: expected validation error, got %v", err)
	}
	stored, _ := e.db.ListItems(ctx, e.owner)
	if len(stored) != 0 {
		t.Fatalf("stored %d items after rejected import", len(stored))
	}
}

func TestExport(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, _ = e.session.Add(ctx, models.ItemInput{Name: "Jam", ExpiryDate: models.MustParseDate("2030-05-01"), Quantity: 2})

	var buf bytes.Buffer
	if err := e.session.Export(ctx, &buf, transfer.JSON); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"name": "Jam"`) || !strings.Contains(buf.String(), `"expiry_date": "2030-05-01"`) {
		t.Errorf("unexpected export:\n%s", buf.String())
	}
}

func TestAdd_ValidationMakesNoRemoteCall(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	cases := []models.ItemInput{
		{Name: "  ", ExpiryDate: testutil.Today()},
		{Name: "No date"},
		{Name: "Negative", ExpiryDate: testutil.Today(), Quantity: -1},
	}
	for _, in := range cases {
		if _, err := e.session.Add(ctx, in); !apperr.IsValidation(err) {
			t.Errorf("Add(%+v): expected validation error, got %v", in, err)
		}
	}
	stored, _ := e.db.ListItems(ctx, e.owner)
	if len(stored) != 0 {
		t.Fatalf("validation failures reached the store: %d rows", len(stored))
	}
}

func TestCRUD_DirectResponseApplied(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	it, err := e.session.Add(ctx, models.ItemInput{Name: "  Butter ", ExpiryDate: testutil.Today().AddDays(10)})
	if err != nil {
		t.Fatal(err)
	}
	if it.Name != "Butter" || it.Quantity != 1 {
		t.Errorf("unexpected item %+v", it)
	}
	if got, err := e.session.Get(ctx, it.ID); err != nil || got.ID != it.ID {
		t.Fatalf("item not applied locally: %v", err)
	}

	exp := testutil.Today().AddDays(1)
	if _, err := e.session.Update(ctx, it.ID, models.ItemPatch{ExpiryDate: &exp}); err != nil {
		t.Fatal(err)
	}
	if c := e.counts(t); c.ExpiringSoon != 1 {
		t.Errorf("counts after update = %+v", c)
	}

	zero := 0
	if _, err := e.session.Update(ctx, it.ID, models.ItemPatch{Quantity: &zero}); !apperr.IsValidation(err) {
		t.Errorf("zero quantity: expected validation error, got %v", err)
	}

	if err := e.session.Delete(ctx, it.ID); err != nil {
		t.Fatal(err)
	}
	if c := e.counts(t); c.All != 0 {
		t.Errorf("counts after delete = %+v", c)
	}
	if err := e.session.Delete(ctx, it.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}

	e.view.mu.Lock()
	defer e.view.mu.Unlock()
	if e.view.calls == 0 {
		t.Error("view was never notified")
	}
}

func TestRemoteFailure_LeavesStateUnchanged(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.session.Add(ctx, models.ItemInput{Name: "Kept", ExpiryDate: testutil.Today().AddDays(3)}); err != nil {
		t.Fatal(err)
	}
	before := e.counts(t)

	e.db.Close()
	_, err := e.session.Add(ctx, models.ItemInput{Name: "Lost", ExpiryDate: testutil.Today()})
	if !errors.Is(err, apperr.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}
	if err := e.session.Reload(ctx); !errors.Is(err, apperr.ErrRemoteUnavailable) {
		t.Fatalf("reload: expected ErrRemoteUnavailable, got %v", err)
	}
	if after := e.counts(t); after != before {
		t.Errorf("counts changed after failures: %+v -> %+v", before, after)
	}
}

func TestReconnect_ReloadsMissedChanges(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.feed.SetFailing(true)
	e.feed.Drop(e.owner, errors.New("socket closed"))
	// Written while disconnected: only a reload can recover it.
	if _, err := e.db.InsertItem(ctx, e.owner, models.ItemInput{Name: "Missed", ExpiryDate: testutil.Today().AddDays(40)}); err != nil {
		t.Fatal(err)
	}
	e.feed.SetFailing(false)

	testutil.Eventually(t, 2*time.Second, 5*time.Millisecond, func() bool {
		return e.counts(t).All == 1
	}, "missed change not recovered after reconnect")
	if e.feed.Live(e.owner) != 1 {
		t.Errorf("live subscriptions = %d, want 1", e.feed.Live(e.owner))
	}
}

// racingRecords runs after once an update has been written, before the
// response reaches the session.
type racingRecords struct {
	backend.Records
	after func(ctx context.Context, written models.Item)
}

func (r racingRecords) UpdateItem(ctx context.Context, ownerID, id string, patch models.ItemPatch) (models.Item, error) {
	it, err := r.Records.UpdateItem(ctx, ownerID, id, patch)
	if err == nil {
		r.after(ctx, it)
	}
	return it, err
}

func TestUpdate_LateResponseKeepsNewerFeedVersion(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	it, err := e.session.Add(ctx, models.ItemInput{Name: "v0", ExpiryDate: testutil.Today().AddDays(5)})
	if err != nil {
		t.Fatal(err)
	}

	e.session.deps.Records = racingRecords{Records: e.db, after: func(ctx context.Context, v1 models.Item) {
		time.Sleep(2 * time.Millisecond)
		name := "v2"
		v2, err := e.db.UpdateItem(ctx, e.owner, it.ID, models.ItemPatch{Name: &name})
		if err != nil {
			t.Errorf("concurrent update: %v", err)
			return
		}
		e.feed.Push(e.owner, testutil.Update(v1))
		e.feed.Push(e.owner, testutil.Update(v2))
		testutil.Eventually(t, 2*time.Second, 5*time.Millisecond, func() bool {
			got, err := e.session.Get(ctx, it.ID)
			return err == nil && got.Name == "v2"
		}, "feed never delivered v2")
	}}

	name := "v1"
	if _, err := e.session.Update(ctx, it.ID, models.ItemPatch{Name: &name}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got, err := e.session.Get(ctx, it.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "v2" {
		t.Errorf("name = %q after late response, want v2", got.Name)
	}
}

func TestListWithCounts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	for _, days := range []int{-1, 2, 60} {
		if _, err := e.session.Add(ctx, models.ItemInput{Name: "x", ExpiryDate: testutil.Today().AddDays(days)}); err != nil {
			t.Fatal(err)
		}
	}
	items, counts, err := e.session.ListWithCounts(ctx, itemstore.Expired, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 {
		t.Errorf("expired items = %d, want 1", len(items))
	}
	if want := (itemstore.Counts{All: 3, ExpiringSoon: 1, Expired: 1}); counts != want {
		t.Errorf("counts = %+v, want %+v", counts, want)
	}
}

func TestUploadImage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	bucket, err := storage.NewFS(t.TempDir(), "http://localhost:8080/blobs")
	if err != nil {
		t.Fatal(err)
	}
	e.session.deps.Blobs = bucket

	it, _ := e.session.Add(ctx, models.ItemInput{Name: "Pie", ExpiryDate: testutil.Today().AddDays(2)})
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	got, err := e.session.UploadImage(ctx, it.ID, png)
	if err != nil {
		t.Fatalf("UploadImage: %v", err)
	}
	prefix := "http://localhost:8080/blobs/" + e.owner + "/"
	if !strings.HasPrefix(got.ImageRef, prefix) || !strings.HasSuffix(got.ImageRef, ".png") {
		t.Errorf("image ref = %q", got.ImageRef)
	}

	if _, err := e.session.UploadImage(ctx, it.ID, []byte("not an image")); !apperr.IsValidation(err) {
		t.Errorf("expected validation error, got %v", err)
	}

	missing, _ := storage.NewFS(filepath.Join(t.TempDir(), "absent"), "http://x")
	e.session.deps.Blobs = missing
	if _, err := e.session.UploadImage(ctx, it.ID, png); !errors.Is(err, apperr.ErrStorageMisconfigured) {
		t.Errorf("expected ErrStorageMisconfigured, got %v", err)
	}
}

func TestProfile(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	name := "Renamed"
	p, err := e.session.UpdateProfile(ctx, models.ProfilePatch{DisplayName: &name})
	if err != nil {
		t.Fatal(err)
	}
	if p.DisplayName != "Renamed" {
		t.Errorf("profile = %+v", p)
	}
	got, _ := e.session.Profile(ctx)
	if got.DisplayName != "Renamed" {
		t.Errorf("stored profile = %+v", got)
	}
}

func TestClose_Idempotent(t *testing.T) {
	e := newEnv(t)
	e.session.Close()
	e.session.Close()

	if _, err := e.session.Counts(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if e.feed.Live(e.owner) != 0 {
		t.Errorf("subscription still live after Close")
	}
}

func TestLiveSync_AcrossConnections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "shared.db")
	mine, err := localdb.Open(path, localdb.WithPollInterval(50*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer mine.Close()
	other, err := localdb.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Close()

	owner := testutil.TestUser(t, mine, "sync@example.com")
	ctx := context.Background()
	s, err := Start(ctx, models.Session{UserID: owner}, Deps{Records: mine, Feed: mine, Logger: quiet()}, testOptions())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	it, err := other.InsertItem(ctx, owner, models.ItemInput{Name: "FromElsewhere", ExpiryDate: testutil.Today().AddDays(1)})
	if err != nil {
		t.Fatal(err)
	}
	testutil.Eventually(t, 5*time.Second, 10*time.Millisecond, func() bool {
		_, err := s.Get(ctx, it.ID)
		return err == nil
	}, "change from another connection never arrived")

	if err := other.DeleteItem(ctx, owner, it.ID); err != nil {
		t.Fatal(err)
	}
	testutil.Eventually(t, 5*time.Second, 10*time.Millisecond, func() bool {
		_, err := s.Get(ctx, it.ID)
		return errors.Is(err, apperr.ErrNotFound)
	}, "delete from another connection never arrived")
}
