package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/starford/larder/internal/apperr"
	"github.com/starford/larder/internal/models"
)

const itemColumns = `id, user_id, name, category, expiry_date, image_url, notes, quantity, created_at, updated_at`

func scanItem(row pgx.Row) (models.Item, error) {
	var (
		it     models.Item
		expiry time.Time
	)
	err := row.Scan(&it.ID, &it.OwnerID, &it.Name, &it.Category, &expiry,
		&it.ImageRef, &it.Notes, &it.Quantity, &it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return models.Item{}, err
	}
	it.ExpiryDate = models.DateOf(expiry)
	return it, nil
}

func (s *Store) ListItems(ctx context.Context, ownerID string) ([]models.Item, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+itemColumns+`
		FROM expiry_items
		WHERE user_id = $1
		ORDER BY expiry_date, id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list items: %w", err)
	}
	defer rows.Close()

	out := []models.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("pgstore: scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) GetItem(ctx context.Context, ownerID, id string) (models.Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx, `
		SELECT `+itemColumns+` FROM expiry_items WHERE id = $1 AND user_id = $2
	`, id, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Item{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.Item{}, fmt.Errorf("pgstore: get item: %w", err)
	}
	return it, nil
}

func (s *Store) InsertItem(ctx context.Context, ownerID string, in models.ItemInput) (models.Item, error) {
	ts := now()
	it := models.Item{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Name:       in.Name,
		Category:   in.Category,
		ExpiryDate: in.ExpiryDate,
		ImageRef:   in.ImageRef,
		Notes:      in.Notes,
		Quantity:   in.Quantity,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	if it.Quantity <= 0 {
		it.Quantity = models.DefaultQuantity
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO expiry_items (`+itemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, it.ID, it.OwnerID, it.Name, it.Category, it.ExpiryDate.Time(), it.ImageRef, it.Notes, it.Quantity, it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return models.Item{}, fmt.Errorf("pgstore: insert item: %w", err)
	}
	return it, nil
}

func (s *Store) UpdateItem(ctx context.Context, ownerID, id string, patch models.ItemPatch) (models.Item, error) {
	var out models.Item
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := scanItem(tx.QueryRow(ctx, `
			SELECT `+itemColumns+` FROM expiry_items WHERE id = $1 AND user_id = $2 FOR UPDATE
		`, id, ownerID))
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("pgstore: get item: %w", err)
		}
		out = patch.Apply(cur)
		out.UpdatedAt = now()
		_, err = tx.Exec(ctx, `
			UPDATE expiry_items SET
				name        = $1,
				category    = $2,
				expiry_date = $3,
				image_url   = $4,
				notes       = $5,
				quantity    = $6,
				updated_at  = $7
			WHERE id = $8 AND user_id = $9
		`, out.Name, out.Category, out.ExpiryDate.Time(), out.ImageRef, out.Notes, out.Quantity, out.UpdatedAt, id, ownerID)
		if err != nil {
			return fmt.Errorf("pgstore: update item: %w", err)
		}
		return nil
	})
	if err != nil {
		return models.Item{}, err
	}
	return out, nil
}

func (s *Store) DeleteItem(ctx context.Context, ownerID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM expiry_items WHERE id = $1 AND user_id = $2`, id, ownerID)
	if err != nil {
		return fmt.Errorf("pgstore: delete item: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// CreateUser inserts the account and its profile in one transaction.
func (s *Store) CreateUser(ctx context.Context, u models.User, displayName string) error {
	ts := now()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO users (id, email, password_hash, email_verified, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, u.ID, u.Email, u.PasswordHash, u.EmailVerified, ts)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return apperr.ErrAlreadyExists
			}
			return fmt.Errorf("pgstore: insert user: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO profiles (id, name, created_at, updated_at) VALUES ($1, $2, $3, $3)
		`, u.ID, displayName, ts)
		if err != nil {
			return fmt.Errorf("pgstore: insert profile: %w", err)
		}
		return nil
	})
}

func (s *Store) UserByEmail(ctx context.Context, email string) (models.User, error) {
	return s.user(ctx, `lower(email) = lower($1)`, email)
}

func (s *Store) UserByID(ctx context.Context, id string) (models.User, error) {
	return s.user(ctx, `id = $1`, id)
}

func (s *Store) user(ctx context.Context, where string, arg any) (models.User, error) {
	var u models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, email, password_hash, email_verified, created_at FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.Email, &u.PasswordHash, &u.EmailVerified, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.User{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("pgstore: get user: %w", err)
	}
	return u, nil
}

func (s *Store) GetProfile(ctx context.Context, userID string) (models.Profile, error) {
	var p models.Profile
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, avatar_url, created_at, updated_at FROM profiles WHERE id = $1
	`, userID).Scan(&p.ID, &p.DisplayName, &p.AvatarRef, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Profile{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("pgstore: get profile: %w", err)
	}
	return p, nil
}

func (s *Store) UpdateProfile(ctx context.Context, userID string, patch models.ProfilePatch) (models.Profile, error) {
	var p models.Profile
	err := s.pool.QueryRow(ctx, `
		UPDATE profiles SET
			name       = COALESCE($1, name),
			avatar_url = COALESCE($2, avatar_url),
			updated_at = $3
		WHERE id = $4
		RETURNING id, name, avatar_url, created_at, updated_at
	`, patch.DisplayName, patch.AvatarRef, now(), userID).
		Scan(&p.ID, &p.DisplayName, &p.AvatarRef, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Profile{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.Profile{}, fmt.Errorf("pgstore: update profile: %w", err)
	}
	return p, nil
}
