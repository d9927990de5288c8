// Package datestatus classifies expiry dates into urgency tiers.
package datestatus

import (
	"math"
	"time"

	"github.com/starford/larder/internal/models"
)

// Tier is the expiry-urgency classification of an item.
type Tier int

// Tiers in order of urgency.
const (
	Expired Tier = iota
	DueToday
	Soon
	Upcoming
	OK
)

// Tier boundaries in days remaining.
const (
	SoonMaxDays     = 7
	UpcomingMaxDays = 30
)

var tierNames = [...]string{
	Expired:  "expired",
	DueToday: "due_today",
	Soon:     "soon",
	Upcoming: "upcoming",
	OK:       "ok",
}

func (t Tier) String() string {
	if t < Expired || t > OK {
		return "unknown"
	}
	return tierNames[t]
}

// MarshalText renders the tier by name.
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// ExpiringSoon reports whether the tier counts as "expiring soon" for views.
func (t Tier) ExpiringSoon() bool {
	return t == DueToday || t == Soon
}

// Status is the result of classifying one expiry date.
type Status struct {
	DaysRemaining int  `json:"days_remaining"`
	Tier          Tier `json:"tier"`
}

// Classify computes the whole-day countdown from today to expiry and its tier.
// Both inputs are reduced to calendar dates first, so the time of day at
// which the check runs never changes the result.
func Classify(expiry models.Date, today models.Date) Status {
	days := DaysBetween(today, expiry)
	return Status{DaysRemaining: days, Tier: TierFor(days)}
}

// ClassifyAt classifies expiry against the local calendar date of now.
func ClassifyAt(expiry models.Date, now time.Time) Status {
	return Classify(expiry, models.DateOf(now))
}

// DaysBetween returns ceil((to - from) / 24h) for two calendar dates.
func DaysBetween(from, to models.Date) int {
	diff := to.Time().Sub(from.Time())
	return int(math.Ceil(diff.Hours() / 24))
}

// TierFor maps a day count to its tier.
func TierFor(days int) Tier {
	switch {
	case days < 0:
		return Expired
	case days == 0:
		return DueToday
	case days <= SoonMaxDays:
		return Soon
	case days <= UpcomingMaxDays:
		return Upcoming
	default:
		return OK
	}
}
