// Package notify emits expiry alerts. A Scheduler scans the item store for
// items whose countdown sits exactly on a threshold and fires at most one
// alert per (item, threshold) for the lifetime of the process. Timers drive
// the scans; a PermissionGate decides whether alerts are shown.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/starford/larder/internal/datestatus"
	"github.com/starford/larder/internal/itemstore"
	"github.com/starford/larder/internal/models"
)

// Thresholds are the countdown values, in days, that trigger an alert.
var Thresholds = []int{7, 3, 0}

type firedKey struct {
	itemID    string
	threshold int
}

// Record is the set of (item, threshold) pairs already alerted. It outlives
// a Scheduler so that a user's restarted session does not alert again. It is
// not safe for concurrent use; one Scheduler at a time may hold it.
type Record struct {
	fired map[firedKey]struct{}
}

// NewRecord returns an empty Record.
func NewRecord() *Record {
	return &Record{fired: make(map[firedKey]struct{})}
}

// Len returns the number of fired pairs.
func (r *Record) Len() int { return len(r.fired) }

// Scheduler runs scans against a Record. It is not safe for concurrent use;
// the owning session calls it from its event loop.
type Scheduler struct {
	record   *Record
	notifier Notifier
	perm     *PermissionGate
	logger   *slog.Logger
}

// NewScheduler creates a Scheduler emitting through n when perm is granted.
// A nil record starts empty.
func NewScheduler(n Notifier, perm *PermissionGate, logger *slog.Logger, record *Record) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if record == nil {
		record = NewRecord()
	}
	return &Scheduler{
		record:   record,
		notifier: n,
		perm:     perm,
		logger:   logger,
	}
}

// ScanOnce checks every item in store against the thresholds using a single
// calendar day derived from now. Newly due pairs are marked fired even when
// emission is suppressed, so granting permission later does not replay them.
// It returns the alerts that became due.
func (s *Scheduler) ScanOnce(ctx context.Context, store *itemstore.Store, now time.Time) []Alert {
	today := models.DateOf(now)
	granted := s.perm == nil || s.perm.Granted()

	var due []Alert
	for _, it := range store.Items() {
		st := datestatus.Classify(it.ExpiryDate, today)
		if !isThreshold(st.DaysRemaining) {
			continue
		}
		k := firedKey{itemID: it.ID, threshold: st.DaysRemaining}
		if _, ok := s.record.fired[k]; ok {
			continue
		}
		s.record.fired[k] = struct{}{}
		a := NewAlert(it, st.DaysRemaining)
		due = append(due, a)

		if !granted {
			s.logger.Debug("notify: alert suppressed",
				slog.String("item_id", it.ID), slog.Int("threshold", a.Threshold))
			continue
		}
		if s.notifier == nil {
			continue
		}
		if err := s.notifier.Show(ctx, a); err != nil {
			s.logger.Warn("notify: show failed",
				slog.String("item_id", it.ID), slog.Int("threshold", a.Threshold),
				slog.String("error", err.Error()))
		}
	}
	if len(due) > 0 {
		s.logger.Info("notify: scan", slog.Int("due", len(due)), slog.Bool("emitted", granted))
	}
	return due
}

// Fired reports whether the (itemID, threshold) pair has fired.
func (s *Scheduler) Fired(itemID string, threshold int) bool {
	_, ok := s.record.fired[firedKey{itemID: itemID, threshold: threshold}]
	return ok
}

// FiredCount returns the size of the fired set.
func (s *Scheduler) FiredCount() int { return s.record.Len() }

func isThreshold(days int) bool {
	for _, t := range Thresholds {
		if days == t {
			return true
		}
	}
	return false
}

// Alert is one user-facing expiry alert.
type Alert struct {
	OwnerID    string      `json:"user_id"`
	ItemID     string      `json:"item_id"`
	ItemName   string      `json:"item_name"`
	ExpiryDate models.Date `json:"expiry_date"`
	Threshold  int         `json:"threshold"`
	Title      string      `json:"title"`
	Body       string      `json:"body"`
	// Tag lets the host collapse repeated alerts for the same pair.
	Tag string `json:"tag"`
}

// NewAlert builds the alert for it at threshold days.
func NewAlert(it models.Item, threshold int) Alert {
	var body string
	switch threshold {
	case 0:
		body = fmt.Sprintf("%s expires today.", it.Name)
	case 1:
		body = fmt.Sprintf("%s expires tomorrow.", it.Name)
	default:
		body = fmt.Sprintf("%s expires in %d days.", it.Name, threshold)
	}
	return Alert{
		OwnerID:    it.OwnerID,
		ItemID:     it.ID,
		ItemName:   it.Name,
		ExpiryDate: it.ExpiryDate,
		Threshold:  threshold,
		Title:      "Expiry reminder",
		Body:       body,
		Tag:        fmt.Sprintf("expiry-%s-%d", it.ID, threshold),
	}
}
