package datestatus

import (
	"testing"
	"time"

	"github.com/starford/larder/internal/models"
)

func TestClassify_TierBoundaries(t *testing.T) {
	today := models.NewDate(2026, time.March, 1)
	cases := []struct {
		days int
		want Tier
	}{
		{-1, Expired},
		{0, DueToday},
		{1, Soon},
		{7, Soon},
		{8, Upcoming},
		{30, Upcoming},
		{31, OK},
	}
	for _, c := range cases {
		got := Classify(today.AddDays(c.days), today)
		if got.DaysRemaining != c.days {
			t.Errorf("days %d: DaysRemaining = %d", c.days, got.DaysRemaining)
		}
		if got.Tier != c.want {
			t.Errorf("days %d: tier = %v, want %v", c.days, got.Tier, c.want)
		}
	}
}

func TestClassify_StrictlyDecreasingAsTodayAdvances(t *testing.T) {
	expiry := models.NewDate(2026, time.April, 10)
	today := models.NewDate(2026, time.February, 20)
	prev := Classify(expiry, today).DaysRemaining
	for i := 0; i < 80; i++ {
		today = today.AddDays(1)
		cur := Classify(expiry, today).DaysRemaining
		if cur != prev-1 {
			t.Fatalf("at %s: days = %d, want %d", today, cur, prev-1)
		}
		if (cur == 0) != today.Equal(expiry) {
			t.Fatalf("at %s: zero-day mismatch (days=%d)", today, cur)
		}
		prev = cur
	}
}

func TestClassifyAt_IgnoresTimeOfDay(t *testing.T) {
	expiry := models.NewDate(2026, time.June, 2)
	early := time.Date(2026, time.June, 1, 0, 0, 1, 0, time.Local)
	late := time.Date(2026, time.June, 1, 23, 59, 59, 0, time.Local)
	if a, b := ClassifyAt(expiry, early), ClassifyAt(expiry, late); a != b || a.DaysRemaining != 1 {
		t.Errorf("early = %+v, late = %+v, want both 1 day", a, b)
	}
}

func TestClassify_AcrossDSTTransition(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 2026-03-29 is the spring-forward day in Europe.
	now := time.Date(2026, time.March, 28, 12, 0, 0, 0, loc)
	got := ClassifyAt(models.NewDate(2026, time.March, 30), now)
	if got.DaysRemaining != 2 {
		t.Errorf("DaysRemaining = %d, want 2", got.DaysRemaining)
	}
}

func TestTier_ExpiringSoon(t *testing.T) {
	for tier, want := range map[Tier]bool{Expired: false, DueToday: true, Soon: true, Upcoming: false, OK: false} {
		if tier.ExpiringSoon() != want {
			t.Errorf("%v.ExpiringSoon() = %v", tier, !want)
		}
	}
}
