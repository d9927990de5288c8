// Package pgstore is the hosted backend: a Postgres record store whose row
// triggers publish per-owner change notifications over LISTEN/NOTIFY.
package pgstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/starford/larder/internal/backend"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS users (
	id             TEXT PRIMARY KEY,
	email          TEXT NOT NULL,
	password_hash  TEXT NOT NULL,
	email_verified BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS users_email_lower ON users (lower(email));

CREATE TABLE IF NOT EXISTS profiles (
	id         TEXT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
	name       TEXT NOT NULL DEFAULT '',
	avatar_url TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS expiry_items (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name        TEXT NOT NULL,
	category    TEXT NOT NULL DEFAULT '',
	expiry_date DATE NOT NULL,
	image_url   TEXT NOT NULL DEFAULT '',
	notes       TEXT NOT NULL DEFAULT '',
	quantity    INTEGER NOT NULL DEFAULT 1 CHECK (quantity > 0),
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS expiry_items_user_expiry ON expiry_items (user_id, expiry_date, id);

CREATE OR REPLACE FUNCTION notify_expiry_item_change() RETURNS trigger AS $$
BEGIN
	IF TG_OP = 'DELETE' THEN
		PERFORM pg_notify('expiry_items:' || OLD.user_id,
			json_build_object('type', TG_OP, 'id', OLD.id, 'user_id', OLD.user_id)::text);
		RETURN OLD;
	END IF;
	PERFORM pg_notify('expiry_items:' || NEW.user_id,
		json_build_object('type', TG_OP, 'id', NEW.id, 'user_id', NEW.user_id)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS expiry_items_notify ON expiry_items;
CREATE TRIGGER expiry_items_notify
	AFTER INSERT OR UPDATE OR DELETE ON expiry_items
	FOR EACH ROW EXECUTE FUNCTION notify_expiry_item_change();
`

// Store is the Postgres-backed backend.Backend.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Verify *Store satisfies backend.Backend at compile time.
var _ backend.Backend = (*Store)(nil)

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}
	cfg.MaxConnLifetime = 30 * time.Minute

	pingCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: apply schema: %w", err)
	}
	logger.Info("pgstore: connected")
	return &Store{pool: pool, logger: logger}, nil
}

// Close releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
