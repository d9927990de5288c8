package tracker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/starford/larder/internal/apperr"
	"github.com/starford/larder/internal/auth"
	"github.com/starford/larder/internal/models"
	"github.com/starford/larder/internal/notify"
)

// Manager owns session lifecycles: at most one live session per user. The
// fired alert record of each user outlives the user's sessions.
type Manager struct {
	gate   auth.Gate
	deps   Deps
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	records  map[string]*notify.Record
}

// NewManager creates a Manager resolving identities through gate.
func NewManager(gate auth.Gate, deps Deps, opts Options) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		gate:     gate,
		deps:     deps,
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*Session),
		records:  make(map[string]*notify.Record),
	}
}

// Activate returns the live session of identity, starting it when needed.
// Other users' sessions are left running.
func (m *Manager) Activate(ctx context.Context, identity models.Session) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[identity.UserID]; ok {
		return s, nil
	}
	record, ok := m.records[identity.UserID]
	if !ok {
		record = notify.NewRecord()
		m.records[identity.UserID] = record
	}
	opts := m.opts
	opts.Fired = record
	s, err := Start(ctx, identity, m.deps, opts)
	if err != nil {
		return nil, err
	}
	m.sessions[identity.UserID] = s
	m.logger.Debug("tracker: sessions", slog.Int("live", len(m.sessions)))
	return s, nil
}

// Session returns the session of the gate's identity, starting it when
// needed. Without an identity it returns apperr.ErrUnauthorized.
func (m *Manager) Session(ctx context.Context) (*Session, error) {
	identity, err := m.gate.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return m.For(ctx, identity)
}

// For returns the session of identity, starting it when needed.
func (m *Manager) For(ctx context.Context, identity models.Session) (*Session, error) {
	if identity.UserID == "" {
		return nil, apperr.ErrUnauthorized
	}
	return m.Activate(ctx, identity)
}

// Lookup returns the live session of ownerID or nil.
func (m *Manager) Lookup(ownerID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[ownerID]
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StopOwner closes the live session of ownerID, if any.
func (m *Manager) StopOwner(ownerID string) {
	m.mu.Lock()
	s := m.sessions[ownerID]
	delete(m.sessions, ownerID)
	m.mu.Unlock()
	if s != nil {
		s.Close()
	}
}

// Stop closes every live session.
func (m *Manager) Stop() {
	m.mu.Lock()
	live := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()
	for _, s := range live {
		s.Close()
	}
}
