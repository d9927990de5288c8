// Package localdb is the embedded backend: a SQLite record store whose
// change log doubles as a per-owner change feed.
package localdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/larder/internal/backend"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	email          TEXT NOT NULL UNIQUE COLLATE NOCASE,
	password_hash  TEXT NOT NULL,
	email_verified INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS profiles (
	id         TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	name       TEXT NOT NULL DEFAULT '',
	avatar_url TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS expiry_items (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	expiry_date TEXT NOT NULL,
	image_url   TEXT NOT NULL DEFAULT '',
	notes       TEXT NOT NULL DEFAULT '',
	quantity    INTEGER NOT NULL DEFAULT 1 CHECK (quantity > 0),
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_items_user_expiry ON expiry_items(user_id, expiry_date, id);

CREATE TABLE IF NOT EXISTS item_changes (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    TEXT NOT NULL,
	op         TEXT NOT NULL,
	item_id    TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_changes_user_seq ON item_changes(user_id, seq);
`

// changeRetention bounds how long change log rows are kept for late subscribers.
const changeRetention = 7 * 24 * time.Hour

// DB wraps a sql.DB with record-store and change-feed operations.
type DB struct {
	conn         *sql.DB
	path         string
	logger       *slog.Logger
	pollInterval time.Duration
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger used by change feed tails.
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) { db.logger = l }
}

// WithPollInterval sets the fallback poll period of change feed tails.
func WithPollInterval(d time.Duration) Option {
	return func(db *DB) {
		if d > 0 {
			db.pollInterval = d
		}
	}
}

// Verify *DB satisfies backend.Backend at compile time.
var _ backend.Backend = (*DB)(nil)

// Open opens (or creates) the SQLite database and applies the schema.
func Open(path string, opts ...Option) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("localdb: open db: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("localdb: ping: %w", err)
	}
	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("localdb: apply schema: %w", err)
	}

	db := &DB{
		conn:         conn,
		path:         path,
		logger:       slog.Default(),
		pollInterval: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(db)
	}

	if _, err := conn.Exec(`DELETE FROM item_changes WHERE created_at < ?`, time.Now().UTC().Add(-changeRetention)); err != nil {
		db.logger.Warn("localdb: prune change log failed", slog.String("error", err.Error()))
	}
	return db, nil
}

// Close closes the underlying database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
