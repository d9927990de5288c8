package localdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"

	"github.com/starford/larder/internal/apperr"
	"github.com/starford/larder/internal/models"
)

// CreateUser inserts the account and, in the same transaction, its profile.
func (db *DB) CreateUser(ctx context.Context, u models.User, displayName string) error {
	ts := now()
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localdb: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, email_verified, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash, u.EmailVerified, ts)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique {
			return apperr.ErrAlreadyExists
		}
		return fmt.Errorf("localdb: insert user: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO profiles (id, name, created_at, updated_at) VALUES (?, ?, ?, ?)
	`, u.ID, displayName, ts, ts)
	if err != nil {
		return fmt.Errorf("localdb: insert profile: %w", err)
	}
	return tx.Commit()
}

// UserByEmail looks an account up by email, case-insensitively.
func (db *DB) UserByEmail(ctx context.Context, email string) (models.User, error) {
	return db.user(ctx, `email = ?`, email)
}

// UserByID looks an account up by id.
func (db *DB) UserByID(ctx context.Context, id string) (models.User, error) {
	return db.user(ctx, `id = ?`, id)
}

func (db *DB) user(ctx context.Context, where string, arg any) (models.User, error) {
	var u models.User
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, email, password_hash, email_verified, created_at FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.EmailVerified, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.User{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("localdb: get user: %w", err)
	}
	return u, nil
}

// GetProfile returns the profile of userID.
func (db *DB) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	var p models.Profile
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, name, avatar_url, created_at, updated_at FROM profiles WHERE id = ?
	`, userID).Scan(&p.ID, &p.DisplayName, &p.AvatarRef, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Profile{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("localdb: get profile: %w", err)
	}
	return p, nil
}

// UpdateProfile applies patch to the profile of userID.
func (db *DB) UpdateProfile(ctx context.Context, userID string, patch models.ProfilePatch) (models.Profile, error) {
	p, err := db.GetProfile(ctx, userID)
	if err != nil {
		return models.Profile{}, err
	}
	if patch.DisplayName != nil {
		p.DisplayName = *patch.DisplayName
	}
	if patch.AvatarRef != nil {
		p.AvatarRef = *patch.AvatarRef
	}
	p.UpdatedAt = now()

	_, err = db.conn.ExecContext(ctx, `
		UPDATE profiles SET name = ?, avatar_url = ?, updated_at = ? WHERE id = ?
	`, p.DisplayName, p.AvatarRef, p.UpdatedAt, userID)
	if err != nil {
		return models.Profile{}, fmt.Errorf("localdb: update profile: %w", err)
	}
	return p, nil
}
