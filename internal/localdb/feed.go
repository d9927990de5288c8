package localdb

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/larder/internal/backend"
	"github.com/starford/larder/internal/models"
)

const (
	tailBatch    = 256
	tailDebounce = 25 * time.Millisecond
)

// subscription tails item_changes for one owner.
type subscription struct {
	ch     chan backend.Change
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (s *subscription) Changes() <-chan backend.Change { return s.ch }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

func (s *subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Subscribe starts delivering changes of ownerID committed after this call.
// Any process writing to the same database file is observed: writes wake the
// tail through fsnotify, and a poll ticker covers missed notifications.
func (db *DB) Subscribe(ctx context.Context, ownerID string) (backend.Subscription, error) {
	var last int64
	err := db.conn.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM item_changes WHERE user_id = ?
	`, ownerID).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("localdb: subscribe: %w", err)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		ch:     make(chan backend.Change, tailBatch),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.done)
		defer close(sub.ch)
		db.tail(ctx, ownerID, last, sub)
	}()
	return sub, nil
}

// tail runs until ctx is cancelled or a read fails.
func (db *DB) tail(ctx context.Context, ownerID string, last int64, sub *subscription) {
	logger := db.logger.With(slog.String("owner_id", ownerID))

	var events <-chan fsnotify.Event
	if w, err := db.watchFiles(); err != nil {
		logger.Warn("feed: fsnotify unavailable, polling only", slog.String("error", err.Error()))
	} else {
		defer w.Close()
		events = w.Events
		go func() {
			for werr := range w.Errors {
				logger.Debug("feed: watcher error", slog.String("error", werr.Error()))
			}
		}()
	}

	ticker := time.NewTicker(db.pollInterval)
	defer ticker.Stop()

	// debounce coalesces bursts of WAL writes into one read.
	var debounce *time.Timer
	var debounceCh <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	base := filepath.Base(db.path)
	for {
		var err error
		select {
		case <-ctx.Done():
			logger.Debug("feed: tail stopped")
			return

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), base) || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(tailDebounce)
				debounceCh = debounce.C
			} else {
				debounce.Reset(tailDebounce)
			}
			continue

		case <-debounceCh:
			last, err = db.drain(ctx, ownerID, last, sub.ch)

		case <-ticker.C:
			last, err = db.drain(ctx, ownerID, last, sub.ch)
		}

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("feed: tail failed", slog.String("error", err.Error()))
			sub.fail(err)
			return
		}
	}
}

// drain delivers every change after last and returns the new high-water mark.
func (db *DB) drain(ctx context.Context, ownerID string, last int64, out chan<- backend.Change) (int64, error) {
	for {
		changes, seqs, err := db.changesAfter(ctx, ownerID, last)
		if err != nil {
			return last, err
		}
		for i, c := range changes {
			select {
			case out <- c:
				last = seqs[i]
			case <-ctx.Done():
				return last, ctx.Err()
			}
		}
		if len(changes) < tailBatch {
			return last, nil
		}
	}
}

func (db *DB) changesAfter(ctx context.Context, ownerID string, after int64) ([]backend.Change, []int64, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT seq, op, payload
		FROM item_changes
		WHERE user_id = ? AND seq > ?
		ORDER BY seq
		LIMIT ?
	`, ownerID, after, tailBatch)
	if err != nil {
		return nil, nil, fmt.Errorf("localdb: read changes: %w", err)
	}
	defer rows.Close()

	var (
		changes []backend.Change
		seqs    []int64
	)
	for rows.Next() {
		var (
			seq     int64
			op      string
			payload string
		)
		if err := rows.Scan(&seq, &op, &payload); err != nil {
			return nil, nil, fmt.Errorf("localdb: scan change: %w", err)
		}
		var it models.Item
		if err := json.Unmarshal([]byte(payload), &it); err != nil {
			return nil, nil, fmt.Errorf("localdb: decode change %d: %w", seq, err)
		}
		c := backend.Change{Type: backend.ChangeType(op)}
		if c.Type == backend.ChangeDelete {
			c.Old = &it
		} else {
			c.New = &it
		}
		changes = append(changes, c)
		seqs = append(seqs, seq)
	}
	return changes, seqs, rows.Err()
}

// watchFiles watches the directory holding the database so that writes to
// the main file and its -wal/-shm siblings are seen.
func (db *DB) watchFiles() (*fsnotify.Watcher, error) {
	if db.path == "" || strings.HasPrefix(db.path, ":memory:") || strings.HasPrefix(db.path, "file:") {
		return nil, fmt.Errorf("no file to watch for %q", db.path)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir, err := filepath.Abs(filepath.Dir(db.path))
	if err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}
