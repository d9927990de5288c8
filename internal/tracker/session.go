// Package tracker holds the per-user session context: it is created at sign
// in and torn down at sign out, and owns the item store, the notification
// state, the live change subscription and the timers of one user.
//
// Every access to the item store and the fired set runs on the session's
// event loop goroutine. Remote calls run on the caller's goroutine and only
// their results are posted to the loop, so a failed call leaves local state
// untouched.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/larder/internal/apperr"
	"github.com/starford/larder/internal/backend"
	"github.com/starford/larder/internal/feed"
	"github.com/starford/larder/internal/itemstore"
	"github.com/starford/larder/internal/models"
	"github.com/starford/larder/internal/notify"
	"github.com/starford/larder/internal/storage"
	"github.com/starford/larder/internal/transfer"
)

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("tracker: session closed")

// View receives snapshot change notices. Implementations must not block.
type View interface {
	ItemsChanged(ownerID string, counts itemstore.Counts)
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Records    backend.Records
	Feed       backend.ChangeFeed
	Blobs      backend.Blobs
	Notifier   notify.Notifier
	Permission *notify.PermissionGate
	View       View
	Logger     *slog.Logger
}

// Options tune a session's timers.
type Options struct {
	// Fired carries the user's alerted pairs across sessions; nil starts empty.
	Fired *notify.Record
	// NotifyInterval is the coarse scan period; 0 disables it.
	NotifyInterval time.Duration
	DailyAt        notify.Clock
	// ResyncInterval is the full reload period; 0 disables it.
	ResyncInterval time.Duration
	Backoff        time.Duration
	MaxBackoff     time.Duration
	// NoTimers disables both scan triggers.
	NoTimers bool
}

// DefaultOptions returns the standard timings.
func DefaultOptions() Options {
	return Options{
		NotifyInterval: 6 * time.Hour,
		DailyAt:        notify.DefaultDailyAt,
		ResyncInterval: 15 * time.Minute,
		Backoff:        time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Session is one signed-in user's context.
type Session struct {
	identity models.Session
	deps     Deps
	opts     Options
	logger   *slog.Logger

	// Owned by the loop goroutine.
	store     *itemstore.Store
	scheduler *notify.Scheduler
	buffering bool
	pending   []feed.Event

	ops  chan func()
	quit chan struct{}
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	reconciler *feed.Reconciler
	timers     *notify.Timers
	resyncDone chan struct{}
	reloadMu   sync.Mutex

	closeOnce sync.Once
}

// Start creates the session for identity: it subscribes to the change feed,
// performs the initial full load, and starts the timers.
func Start(ctx context.Context, identity models.Session, deps Deps, opts Options) (*Session, error) {
	if identity.UserID == "" {
		return nil, apperr.ErrUnauthorized
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		identity:  identity,
		deps:      deps,
		opts:      opts,
		logger:    deps.Logger.With(slog.String("owner_id", identity.UserID)),
		store:     itemstore.New(identity.UserID),
		buffering: true,
		ops:       make(chan func(), 64),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		ctx:       runCtx,
		cancel:    cancel,
	}
	s.scheduler = notify.NewScheduler(deps.Notifier, deps.Permission, s.logger, opts.Fired)
	if deps.View != nil {
		s.store.Observe(func() {
			deps.View.ItemsChanged(identity.UserID, s.store.Counts(time.Now()))
		})
	}
	go s.loop()

	// Subscribe before the first load; events arriving meanwhile are
	// buffered and replayed on top of the loaded snapshot.
	if deps.Feed != nil {
		s.reconciler = feed.NewReconciler(deps.Feed, s.logger,
			feed.WithBackoff(opts.Backoff, opts.MaxBackoff),
			feed.WithDisconnect(func(err error) {
				s.logger.Warn("tracker: live updates interrupted", slog.String("error", err.Error()))
			}),
			feed.WithReconnect(func() {
				if err := s.Reload(s.ctx); err != nil && s.ctx.Err() == nil {
					s.logger.Warn("tracker: reload after reconnect failed", slog.String("error", err.Error()))
				}
			}),
		)
		if _, err := s.reconciler.Open(ctx, identity.UserID, s.onEvent); err != nil {
			s.Close()
			return nil, err
		}
	}

	if err := s.Reload(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if _, err := s.ScanNow(ctx); err != nil {
		s.Close()
		return nil, err
	}

	if !opts.NoTimers {
		s.timers = notify.StartTimers(runCtx, opts.NotifyInterval, opts.DailyAt, s.logger, func(now time.Time) {
			s.post(func() { s.scheduler.ScanOnce(s.ctx, s.store, now) })
		})
	}
	if opts.ResyncInterval > 0 {
		s.resyncDone = make(chan struct{})
		go s.resyncLoop(opts.ResyncInterval)
	}
	s.logger.Info("tracker: session started")
	return s, nil
}

// Identity returns the session's identity.
func (s *Session) Identity() models.Session { return s.identity }

// OwnerID returns the signed-in user's id.
func (s *Session) OwnerID() string { return s.identity.UserID }

// Close tears the session down: the subscription, the timers and the loop.
// It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.reconciler != nil {
			s.reconciler.Close()
		}
		if s.timers != nil {
			s.timers.Stop()
		}
		if s.resyncDone != nil {
			<-s.resyncDone
		}
		close(s.quit)
		<-s.done
		s.logger.Info("tracker: session closed")
	})
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case op := <-s.ops:
			op()
		case <-s.quit:
			return
		}
	}
}

// post schedules fn on the loop without waiting.
func (s *Session) post(fn func()) {
	select {
	case s.ops <- fn:
	case <-s.quit:
	}
}

// do runs fn on the loop and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case s.ops <- func() { fn(); close(ran) }:
	case <-s.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ran:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// onEvent is the reconciler callback; it runs on the reconciler goroutine.
func (s *Session) onEvent(ev feed.Event) {
	s.post(func() {
		if s.buffering {
			s.pending = append(s.pending, ev)
			return
		}
		feed.Apply(s.store, ev)
	})
}

// Reload replaces the snapshot with a full fetch. Feed events arriving
// during the fetch are replayed afterwards. On failure the snapshot is kept.
func (s *Session) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if err := s.do(ctx, func() { s.buffering = true }); err != nil {
		return err
	}
	items, fetchErr := s.deps.Records.ListItems(ctx, s.OwnerID())
	err := s.do(context.WithoutCancel(ctx), func() {
		if fetchErr == nil {
			s.store.LoadAll(items)
		}
		for _, ev := range s.pending {
			feed.Apply(s.store, ev)
		}
		s.pending = nil
		s.buffering = false
	})
	if fetchErr != nil {
		return apperr.Remote("tracker: load items", fetchErr)
	}
	if err != nil {
		return err
	}
	s.logger.Debug("tracker: reloaded", slog.Int("items", len(items)))
	return nil
}

func (s *Session) resyncLoop(every time.Duration) {
	defer close(s.resyncDone)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(s.ctx); err != nil && s.ctx.Err() == nil {
				s.logger.Warn("tracker: periodic resync failed", slog.String("error", err.Error()))
			}
		}
	}
}

// List returns the filtered snapshot, classified against now.
func (s *Session) List(ctx context.Context, filter itemstore.Filter, query string) ([]models.Item, error) {
	var out []models.Item
	err := s.do(ctx, func() { out = s.store.Snapshot(filter, time.Now(), query) })
	return out, err
}

// ListWithCounts returns the filtered snapshot and the badge counts, both
// taken from the same snapshot.
func (s *Session) ListWithCounts(ctx context.Context, filter itemstore.Filter, query string) ([]models.Item, itemstore.Counts, error) {
	var (
		items  []models.Item
		counts itemstore.Counts
	)
	err := s.do(ctx, func() {
		now := time.Now()
		items = s.store.Snapshot(filter, now, query)
		counts = s.store.Counts(now)
	})
	return items, counts, err
}

// Counts returns the badge counts.
func (s *Session) Counts(ctx context.Context) (itemstore.Counts, error) {
	var out itemstore.Counts
	err := s.do(ctx, func() { out = s.store.Counts(time.Now()) })
	return out, err
}

// Get returns one item from the snapshot.
func (s *Session) Get(ctx context.Context, id string) (models.Item, error) {
	var (
		it models.Item
		ok bool
	)
	if err := s.do(ctx, func() { it, ok = s.store.Get(id) }); err != nil {
		return models.Item{}, err
	}
	if !ok {
		return models.Item{}, apperr.ErrNotFound
	}
	return it, nil
}

// Add creates an item. The direct response is applied immediately; the
// feed echo is absorbed as a duplicate.
func (s *Session) Add(ctx context.Context, in models.ItemInput) (models.Item, error) {
	if err := validateInput(&in); err != nil {
		return models.Item{}, err
	}
	it, err := s.deps.Records.InsertItem(ctx, s.OwnerID(), in)
	if err != nil {
		s.logger.Warn("tracker: add failed", slog.String("error", err.Error()))
		return models.Item{}, apperr.Remote("tracker: add item", err)
	}
	s.logger.Debug("tracker: item added", slog.String("item_id", it.ID))
	return it, s.do(ctx, func() { s.store.ApplyInsert(it) })
}

// Update applies patch to item id.
func (s *Session) Update(ctx context.Context, id string, patch models.ItemPatch) (models.Item, error) {
	if err := validatePatch(&patch); err != nil {
		return models.Item{}, err
	}
	it, err := s.deps.Records.UpdateItem(ctx, s.OwnerID(), id, patch)
	if errors.Is(err, apperr.ErrNotFound) {
		_ = s.do(ctx, func() { s.store.ApplyDelete(id) })
	}
	if err != nil {
		s.logger.Warn("tracker: update failed", slog.String("item_id", id), slog.String("error", err.Error()))
		return models.Item{}, apperr.Remote("tracker: update item", err)
	}
	return it, s.do(ctx, func() { s.store.ApplyResponse(it) })
}

// Delete removes item id.
func (s *Session) Delete(ctx context.Context, id string) error {
	err := s.deps.Records.DeleteItem(ctx, s.OwnerID(), id)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		s.logger.Warn("tracker: delete failed", slog.String("item_id", id), slog.String("error", err.Error()))
		return apperr.Remote("tracker: delete item", err)
	}
	if derr := s.do(ctx, func() { s.store.ApplyDelete(id) }); derr != nil {
		return derr
	}
	if err != nil {
		return apperr.Remote("tracker: delete item", err)
	}
	return nil
}

// UploadImage stores data as the image of item id and records its URL.
func (s *Session) UploadImage(ctx context.Context, id string, data []byte) (models.Item, error) {
	if s.deps.Blobs == nil {
		return models.Item{}, fmt.Errorf("tracker: no blob store: %w", apperr.ErrStorageMisconfigured)
	}
	path, err := storage.ObjectPath(s.OwnerID(), data)
	if err != nil {
		return models.Item{}, err
	}
	if err := s.deps.Blobs.Upload(ctx, s.OwnerID(), path, data); err != nil {
		s.logger.Warn("tracker: upload failed", slog.String("item_id", id), slog.String("error", err.Error()))
		return models.Item{}, apperr.Remote("tracker: upload image", err)
	}
	ref := s.deps.Blobs.PublicURL(path)
	return s.Update(ctx, id, models.ItemPatch{ImageRef: &ref})
}

// Export writes the full snapshot to w.
func (s *Session) Export(ctx context.Context, w io.Writer, f transfer.Format) error {
	items, err := s.List(ctx, itemstore.All, "")
	if err != nil {
		return err
	}
	return transfer.Export(w, items, f)
}

// Import validates the whole document, then inserts each record under the
// session's identity. It returns the number of items created; on a remote
// failure part of the document may have been imported.
func (s *Session) Import(ctx context.Context, data []byte) (int, error) {
	inputs, err := transfer.Decode(data)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, in := range inputs {
		if _, err := s.Add(ctx, in); err != nil {
			return n, err
		}
		n++
	}
	s.logger.Info("tracker: imported", slog.Int("items", n))
	return n, nil
}

// ScanNow runs one notification scan immediately.
func (s *Session) ScanNow(ctx context.Context) ([]notify.Alert, error) {
	return s.ScanAt(ctx, time.Now())
}

// ScanAt runs one notification scan for the calendar day of now.
func (s *Session) ScanAt(ctx context.Context, now time.Time) ([]notify.Alert, error) {
	var due []notify.Alert
	err := s.do(ctx, func() { due = s.scheduler.ScanOnce(s.ctx, s.store, now) })
	return due, err
}

// Profile returns the user's profile.
func (s *Session) Profile(ctx context.Context) (models.Profile, error) {
	p, err := s.deps.Records.GetProfile(ctx, s.OwnerID())
	if err != nil {
		return models.Profile{}, apperr.Remote("tracker: get profile", err)
	}
	return p, nil
}

// UpdateProfile changes the display name or avatar.
func (s *Session) UpdateProfile(ctx context.Context, patch models.ProfilePatch) (models.Profile, error) {
	if patch.DisplayName != nil && len(*patch.DisplayName) > 100 {
		return models.Profile{}, apperr.Validationf("name: the length must be no more than 100")
	}
	p, err := s.deps.Records.UpdateProfile(ctx, s.OwnerID(), patch)
	if err != nil {
		return models.Profile{}, apperr.Remote("tracker: update profile", err)
	}
	return p, nil
}
