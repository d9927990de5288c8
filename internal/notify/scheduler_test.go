package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starford/larder/internal/itemstore"
	"github.com/starford/larder/internal/models"
)

type recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recorder) Show(_ context.Context, a Alert) error {
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

func quiet() *slog.Logger { return slog.New(slog.NewJSONHandler(io.Discard, nil)) }

var noon = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func storeWith(items ...models.Item) *itemstore.Store {
	s := itemstore.New("u1")
	s.LoadAll(items)
	return s
}

func item(id string, expiry models.Date) models.Item {
	return models.Item{ID: id, OwnerID: "u1", Name: id, ExpiryDate: expiry, Quantity: 1}
}

func TestScanOnce_SameDayFiresOnce(t *testing.T) {
	rec := &recorder{}
	s := NewScheduler(rec, NewPermissionGate(PermissionGranted, nil), quiet(), nil)
	today := models.DateOf(noon)
	store := storeWith(item("milk", today.AddDays(7)))

	due := s.ScanOnce(context.Background(), store, noon)
	if len(due) != 1 || due[0].Threshold != 7 {
		t.Fatalf("first scan due = %+v, want one alert at 7", due)
	}
	if rec.count() != 1 {
		t.Fatalf("emitted = %d, want 1", rec.count())
	}

	if due := s.ScanOnce(context.Background(), store, noon.Add(3*time.Hour)); len(due) != 0 {
		t.Fatalf("second scan same day due = %+v, want none", due)
	}
	if rec.count() != 1 {
		t.Errorf("emitted = %d after second scan, want 1", rec.count())
	}
}

func TestScanOnce_ThreeThresholds(t *testing.T) {
	rec := &recorder{}
	s := NewScheduler(rec, NewPermissionGate(PermissionGranted, nil), quiet(), nil)
	start := models.DateOf(noon)
	store := storeWith(item("cheese", start.AddDays(7)))

	// Scan every day, several times a day, until past expiry.
	for day := 0; day <= 9; day++ {
		for _, hour := range []int{0, 9, 15, 23} {
			now := time.Date(2024, 6, 10+day, hour, 30, 0, 0, time.UTC)
			s.ScanOnce(context.Background(), store, now)
		}
	}

	if rec.count() != 3 {
		t.Fatalf("emitted = %d, want 3", rec.count())
	}
	want := []int{7, 3, 0}
	for i, a := range rec.alerts {
		if a.Threshold != want[i] {
			t.Errorf("alert %d threshold = %d, want %d", i, a.Threshold, want[i])
		}
	}
}

func TestScanOnce_NonThresholdDaysIgnored(t *testing.T) {
	rec := &recorder{}
	s := NewScheduler(rec, NewPermissionGate(PermissionGranted, nil), quiet(), nil)
	today := models.DateOf(noon)
	store := storeWith(
		item("a", today.AddDays(8)),
		item("b", today.AddDays(5)),
		item("c", today.AddDays(-1)),
		item("d", today),
	)
	due := s.ScanOnce(context.Background(), store, noon)
	if len(due) != 1 || due[0].ItemID != "d" || due[0].Threshold != 0 {
		t.Fatalf("due = %+v, want only d at 0", due)
	}
}

func TestScanOnce_SuppressedStillMarksFired(t *testing.T) {
	rec := &recorder{}
	perm := NewPermissionGate(PermissionDenied, nil)
	s := NewScheduler(rec, perm, quiet(), nil)
	today := models.DateOf(noon)
	store := storeWith(item("eggs", today.AddDays(3)))

	due := s.ScanOnce(context.Background(), store, noon)
	if len(due) != 1 {
		t.Fatalf("due = %d, want 1", len(due))
	}
	if rec.count() != 0 {
		t.Fatalf("emitted %d alerts without permission", rec.count())
	}
	if !s.Fired("eggs", 3) {
		t.Fatal("pair not marked fired while suppressed")
	}

	perm.Set(PermissionGranted)
	s.ScanOnce(context.Background(), store, noon.Add(time.Hour))
	if rec.count() != 0 {
		t.Errorf("granting permission replayed %d alerts", rec.count())
	}
}

func TestScanOnce_NotifierErrorIsBestEffort(t *testing.T) {
	failing := NotifierFunc(func(context.Context, Alert) error { return errors.New("boom") })
	s := NewScheduler(failing, NewPermissionGate(PermissionGranted, nil), quiet(), nil)
	today := models.DateOf(noon)
	store := storeWith(item("a", today), item("b", today.AddDays(7)))

	if due := s.ScanOnce(context.Background(), store, noon); len(due) != 2 {
		t.Fatalf("due = %d, want 2", len(due))
	}
	if s.FiredCount() != 2 {
		t.Errorf("fired = %d, want 2", s.FiredCount())
	}
}

func TestNewAlert(t *testing.T) {
	it := item("x", models.MustParseDate("2024-06-10"))
	it.Name = "Milk"
	a := NewAlert(it, 0)
	if a.Body != "Milk expires today." || a.Tag != "expiry-x-0" {
		t.Errorf("unexpected alert %+v", a)
	}
	if b := NewAlert(it, 7).Body; b != "Milk expires in 7 days." {
		t.Errorf("body = %q", b)
	}
}

func TestMulti(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	m := Multi{a, NotifierFunc(func(context.Context, Alert) error { return errors.New("x") }), b}
	if err := m.Show(context.Background(), Alert{}); err == nil {
		t.Error("expected joined error")
	}
	if a.count() != 1 || b.count() != 1 {
		t.Error("every notifier should be called")
	}
}

func TestPermissionGate(t *testing.T) {
	g := NewPermissionGate("", nil)
	if g.State() != PermissionPrompt || g.Granted() {
		t.Fatalf("initial state = %s", g.State())
	}
	if got := g.Request(); got != PermissionGranted {
		t.Errorf("Request = %s, want granted", got)
	}

	denied := NewPermissionGate(PermissionPrompt, func() Permission { return PermissionDenied })
	if got := denied.Request(); got != PermissionDenied {
		t.Errorf("Request = %s, want denied", got)
	}
	// A decided state is not prompted again.
	if got := denied.Request(); got != PermissionDenied {
		t.Errorf("second Request = %s", got)
	}

	if _, err := ParsePermission("maybe"); err == nil {
		t.Error("expected error for unknown permission")
	}
	if p, _ := ParsePermission(" Granted "); p != PermissionGranted {
		t.Errorf("ParsePermission = %s", p)
	}
}

func TestNextDaily(t *testing.T) {
	at := Clock{Hour: 9}
	cases := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2024, 6, 10, 8, 0, 0, 0, time.UTC), time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)},
		{time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC), time.Date(2024, 6, 10, 9, 0, 0, 0, time.UTC)},
		{time.Date(2024, 6, 10, 9, 0, 1, 0, time.UTC), time.Date(2024, 6, 11, 9, 0, 0, 0, time.UTC)},
		{time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC), time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := NextDaily(tc.now, at); !got.Equal(tc.want) {
			t.Errorf("NextDaily(%s) = %s, want %s", tc.now, got, tc.want)
		}
	}
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("09:30")
	if err != nil || c != (Clock{Hour: 9, Minute: 30}) {
		t.Fatalf("ParseClock = %+v, %v", c, err)
	}
	if _, err := ParseClock("25:00"); err == nil {
		t.Error("expected error for 25:00")
	}
}

func TestTimers_IntervalAndStop(t *testing.T) {
	var calls atomic.Int32
	timers := StartTimers(context.Background(), 10*time.Millisecond, DefaultDailyAt, quiet(), func(time.Time) {
		calls.Add(1)
	})

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() < 3 {
		t.Fatalf("interval fired %d times, want at least 3", calls.Load())
	}

	timers.Stop()
	timers.Stop()
	after := calls.Load()
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != after {
		t.Errorf("scan ran after Stop")
	}
}

func TestTimers_DailyFiresThenRepeats(t *testing.T) {
	var calls atomic.Int32
	timers := startTimers(context.Background(), 0, 20*time.Millisecond, 15*time.Millisecond, func(time.Time) {
		calls.Add(1)
	})
	defer timers.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() < 3 {
		t.Fatalf("daily trigger fired %d times, want the first run and at least two repeats", calls.Load())
	}
}

func TestRecord_SharedAcrossSchedulers(t *testing.T) {
	rec := &recorder{}
	perm := NewPermissionGate(PermissionGranted, nil)
	record := NewRecord()
	store := storeWith(item("milk", models.DateOf(noon).AddDays(7)))

	first := NewScheduler(rec, perm, quiet(), record)
	first.ScanOnce(context.Background(), store, noon)

	second := NewScheduler(rec, perm, quiet(), record)
	if due := second.ScanOnce(context.Background(), store, noon); len(due) != 0 {
		t.Fatalf("restarted scheduler due = %+v, want none", due)
	}
	if rec.count() != 1 || record.Len() != 1 {
		t.Errorf("emitted = %d, record = %d, want 1 and 1", rec.count(), record.Len())
	}
}
