package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/larder/internal/apperr"
	"github.com/starford/larder/internal/backend"
)

const (
	defaultBackoff    = time.Second
	defaultMaxBackoff = 30 * time.Second
)

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithBackoff sets the initial and maximum resubscribe delay.
func WithBackoff(initial, max time.Duration) Option {
	return func(r *Reconciler) {
		if initial > 0 {
			r.backoff = initial
		}
		if max >= r.backoff {
			r.maxBackoff = max
		}
	}
}

// WithReconnect sets the callback run after a dropped subscription has been
// re-established. Events missed while disconnected are only recovered by a
// full reload, so owners reload there.
func WithReconnect(fn func()) Option {
	return func(r *Reconciler) { r.onReconnect = fn }
}

// WithDisconnect sets the callback run when a subscription drops.
func WithDisconnect(fn func(error)) Option {
	return func(r *Reconciler) { r.onDisconnect = fn }
}

// Reconciler keeps at most one live subscription open.
type Reconciler struct {
	feed   backend.ChangeFeed
	logger *slog.Logger

	backoff      time.Duration
	maxBackoff   time.Duration
	onReconnect  func()
	onDisconnect func(error)

	mu     sync.Mutex
	handle *Handle
}

// NewReconciler creates a Reconciler over feed.
func NewReconciler(feed backend.ChangeFeed, logger *slog.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reconciler{
		feed:       feed,
		logger:     logger,
		backoff:    defaultBackoff,
		maxBackoff: defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle is an open subscription.
type Handle struct {
	ownerID string
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
}

// OwnerID returns the identity the subscription is filtered to.
func (h *Handle) OwnerID() string { return h.ownerID }

// Close releases the subscription and waits for delivery to stop.
func (h *Handle) Close() {
	h.once.Do(h.cancel)
	<-h.done
}

// Open subscribes to ownerID's changes and calls onEvent for each decoded
// event, in delivery order, from a single goroutine. A subscription opened
// earlier is closed first.
func (r *Reconciler) Open(ctx context.Context, ownerID string, onEvent func(Event)) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.handle != nil {
		r.handle.Close()
		r.handle = nil
	}

	sub, err := r.feed.Subscribe(ctx, ownerID)
	if err != nil {
		return nil, apperr.Remote("feed: subscribe", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{ownerID: ownerID, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		r.run(runCtx, ownerID, sub, onEvent)
	}()
	r.handle = h
	r.logger.Info("feed: subscribed", slog.String("owner_id", ownerID))
	return h, nil
}

// Close releases the current subscription, if any.
func (r *Reconciler) Close() {
	r.mu.Lock()
	h := r.handle
	r.handle = nil
	r.mu.Unlock()
	if h != nil {
		h.Close()
		r.logger.Info("feed: unsubscribed", slog.String("owner_id", h.ownerID))
	}
}

func (r *Reconciler) run(ctx context.Context, ownerID string, sub backend.Subscription, onEvent func(Event)) {
	logger := r.logger.With(slog.String("owner_id", ownerID))
	for {
		r.deliver(ctx, logger, sub, onEvent)
		sub.Close() //nolint:errcheck
		if ctx.Err() != nil {
			return
		}

		cause := sub.Err()
		if cause == nil {
			cause = errors.New("stream closed")
		}
		dropErr := fmt.Errorf("%w: %w", apperr.ErrFeedDisconnected, cause)
		logger.Warn("feed: subscription dropped", slog.String("error", cause.Error()))
		if r.onDisconnect != nil {
			r.onDisconnect(dropErr)
		}

		next, ok := r.resubscribe(ctx, logger, ownerID)
		if !ok {
			return
		}
		sub = next
		logger.Info("feed: resubscribed")
		if r.onReconnect != nil {
			r.onReconnect()
		}
	}
}

// deliver forwards events until the stream ends or ctx is cancelled.
func (r *Reconciler) deliver(ctx context.Context, logger *slog.Logger, sub backend.Subscription, onEvent func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub.Changes():
			if !ok {
				return
			}
			ev, err := Decode(c)
			if err != nil {
				logger.Warn("feed: dropping malformed change", slog.String("error", err.Error()))
				continue
			}
			logger.Debug("feed: event", slog.String("type", string(c.Type)), slog.String("item_id", ev.ItemID()))
			onEvent(ev)
		}
	}
}

// resubscribe retries with exponential backoff until it succeeds or ctx ends.
func (r *Reconciler) resubscribe(ctx context.Context, logger *slog.Logger, ownerID string) (backend.Subscription, bool) {
	delay := r.backoff
	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
		}
		sub, err := r.feed.Subscribe(ctx, ownerID)
		if err == nil {
			return sub, true
		}
		delay = min(delay*2, r.maxBackoff)
		logger.Warn("feed: resubscribe failed",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay))
		timer.Reset(delay)
	}
}
