package pgstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/starford/larder/internal/apperr"
	"github.com/starford/larder/internal/backend"
	"github.com/starford/larder/internal/models"
)

// notification is the trigger payload. Rows are fetched separately because
// NOTIFY payloads are capped at 8000 bytes.
type notification struct {
	Type   backend.ChangeType `json:"type"`
	ID     string             `json:"id"`
	UserID string             `json:"user_id"`
}

// ChannelFor returns the LISTEN channel carrying ownerID's changes.
func ChannelFor(ownerID string) string {
	return "expiry_items:" + ownerID
}

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

// Subscribe holds one pooled connection in LISTEN mode for ownerID.
func (s *Store) Subscribe(ctx context.Context, ownerID string) (backend.Subscription, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: pgstore: acquire: %w", apperr.ErrRemoteUnavailable, err)
	}
	channel := pgx.Identifier{ChannelFor(ownerID)}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("%w: pgstore: listen: %w", apperr.ErrRemoteUnavailable, err)
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		ch:     make(chan backend.Change, 64),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(sub.done)
		defer close(sub.ch)
		defer s.unlisten(conn, channel)
		s.listen(ctx, conn, ownerID, sub)
	}()
	return sub, nil
}

func (s *Store) listen(ctx context.Context, conn *pgxpool.Conn, ownerID string, sub *subscription) {
	logger := s.logger.With(slog.String("owner_id", ownerID))
	resolve := func(ctx context.Context, msg notification) (backend.Change, bool, error) {
		return s.resolve(ctx, ownerID, msg)
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("feed: listen failed", slog.String("error", err.Error()))
				sub.fail(fmt.Errorf("%w: %w", apperr.ErrFeedDisconnected, err))
			}
			return
		}
		if !dispatch(ctx, logger, sub, n.Payload, resolve) {
			return
		}
	}
}

// dispatch turns one notification payload into a change on sub. It returns
// false when the subscription must end: a row that cannot be fetched fails
// the subscription so the subscriber resubscribes and reloads.
func dispatch(ctx context.Context, logger *slog.Logger, sub *subscription, payload string,
	resolve func(context.Context, notification) (backend.Change, bool, error)) bool {
	var msg notification
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		logger.Warn("feed: bad payload", slog.String("payload", payload))
		return true
	}
	change, ok, err := resolve(ctx, msg)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		logger.Warn("feed: fetch row failed", slog.String("id", msg.ID), slog.String("error", err.Error()))
		sub.fail(fmt.Errorf("%w: fetch %s: %w", apperr.ErrFeedDisconnected, msg.ID, err))
		return false
	}
	if !ok {
		return true
	}
	select {
	case sub.ch <- change:
		return true
	case <-ctx.Done():
		return false
	}
}

// resolve turns a notification into a Change. ok is false when the row no
// longer exists; its DELETE notification follows.
func (s *Store) resolve(ctx context.Context, ownerID string, msg notification) (backend.Change, bool, error) {
	if msg.Type == backend.ChangeDelete {
		return backend.Change{
			Type: backend.ChangeDelete,
			Old:  &models.Item{ID: msg.ID, OwnerID: msg.UserID},
		}, true, nil
	}
	it, err := s.GetItem(ctx, ownerID, msg.ID)
	if errors.Is(err, apperr.ErrNotFound) {
		return backend.Change{}, false, nil
	}
	if err != nil {
		return backend.Change{}, false, err
	}
	return backend.Change{Type: msg.Type, New: &it}, true, nil
}

// unlisten returns conn to the pool with no listeners attached.
func (s *Store) unlisten(conn *pgxpool.Conn, channel string) {
	if _, err := conn.Exec(context.Background(), "UNLISTEN "+channel); err != nil {
		conn.Conn().Close(context.Background()) //nolint:errcheck
	}
	conn.Release()
}
