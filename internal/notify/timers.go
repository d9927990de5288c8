package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Clock is a local time of day.
type Clock struct {
	Hour   int
	Minute int
}

// DefaultDailyAt is the fixed daily check time.
var DefaultDailyAt = Clock{Hour: 9}

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Clock{}, fmt.Errorf("notify: bad time of day %q: %w", s, err)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (c Clock) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// NextDaily returns the next occurrence of at in now's location, which is
// today's if it has not passed yet.
func NextDaily(now time.Time, at Clock) time.Time {
	y, m, d := now.Date()
	next := time.Date(y, m, d, at.Hour, at.Minute, 0, 0, now.Location())
	if now.After(next) {
		next = time.Date(y, m, d+1, at.Hour, at.Minute, 0, 0, now.Location())
	}
	return next
}

// Timers runs the two independent scan triggers: a coarse interval and a
// fixed daily time. Both may fire on the same day; the fired set absorbs
// duplicates.
type Timers struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// dailyPeriod is the repeat interval of the daily trigger.
var dailyPeriod = 24 * time.Hour

// StartTimers starts both triggers. scan receives the trigger time. The
// daily delay is computed once from the start time, then repeats every 24h.
func StartTimers(ctx context.Context, interval time.Duration, dailyAt Clock, logger *slog.Logger, scan func(now time.Time)) *Timers {
	if logger == nil {
		logger = slog.Default()
	}
	start := time.Now()
	firstDaily := NextDaily(start, dailyAt).Sub(start)
	logger.Info("notify: timers started",
		slog.Duration("interval", interval),
		slog.String("daily_at", dailyAt.String()),
		slog.Duration("first_daily_in", firstDaily))

	return startTimers(ctx, interval, firstDaily, dailyPeriod, scan)
}

func startTimers(ctx context.Context, interval, firstDaily, period time.Duration, scan func(now time.Time)) *Timers {
	ctx, cancel := context.WithCancel(ctx)
	t := &Timers{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(t.done)

		var intervalC <-chan time.Time
		if interval > 0 {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			intervalC = ticker.C
		}

		daily := time.NewTimer(firstDaily)
		defer daily.Stop()
		var dailyTicker *time.Ticker
		defer func() {
			if dailyTicker != nil {
				dailyTicker.Stop()
			}
		}()
		var dailyTickC <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-intervalC:
				scan(now)
			case now := <-daily.C:
				dailyTicker = time.NewTicker(period)
				dailyTickC = dailyTicker.C
				scan(now)
			case now := <-dailyTickC:
				scan(now)
			}
		}
	}()
	return t
}

// Stop cancels both triggers and waits for the timer goroutine to exit. It
// is safe to call more than once.
func (t *Timers) Stop() {
	t.once.Do(t.cancel)
	<-t.done
}
