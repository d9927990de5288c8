package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/starford/larder/internal/apperr"
	"github.com/starford/larder/internal/backend"
	"github.com/starford/larder/internal/models"
)

const itemColumns = `id, user_id, name, category, expiry_date, image_url, notes, quantity, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (models.Item, error) {
	var it models.Item
	err := row.Scan(&it.ID, &it.OwnerID, &it.Name, &it.Category, &it.ExpiryDate,
		&it.ImageRef, &it.Notes, &it.Quantity, &it.CreatedAt, &it.UpdatedAt)
	return it, err
}

// ListItems returns every item of ownerID ordered by expiry date then id.
func (db *DB) ListItems(ctx context.Context, ownerID string) ([]models.Item, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM expiry_items
		WHERE user_id = ?
		ORDER BY expiry_date, id
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("localdb: list items: %w", err)
	}
	defer rows.Close()

	out := []models.Item{}
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("localdb: scan item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// GetItem returns one item of ownerID.
func (db *DB) GetItem(ctx context.Context, ownerID, id string) (models.Item, error) {
	return getItem(ctx, db.conn, ownerID, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getItem(ctx context.Context, q querier, ownerID, id string) (models.Item, error) {
	it, err := scanItem(q.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM expiry_items WHERE id = ? AND user_id = ?
	`, id, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Item{}, apperr.ErrNotFound
	}
	if err != nil {
		return models.Item{}, fmt.Errorf("localdb: get item: %w", err)
	}
	return it, nil
}

// InsertItem creates an item owned by ownerID and records an INSERT change.
func (db *DB) InsertItem(ctx context.Context, ownerID string, in models.ItemInput) (models.Item, error) {
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

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.Item{}, fmt.Errorf("localdb: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // best-effort on failure path

	_, err = tx.ExecContext(ctx, `
		INSERT INTO expiry_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, it.ID, it.OwnerID, it.Name, it.Category, it.ExpiryDate, it.ImageRef, it.Notes, it.Quantity, it.CreatedAt, it.UpdatedAt)
	if err != nil {
		return models.Item{}, fmt.Errorf("localdb: insert item: %w", err)
	}
	if err := logChange(ctx, tx, backend.ChangeInsert, it); err != nil {
		return models.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Item{}, fmt.Errorf("localdb: commit: %w", err)
	}
	return it, nil
}

// UpdateItem applies patch to an item of ownerID and records an UPDATE change.
func (db *DB) UpdateItem(ctx context.Context, ownerID, id string, patch models.ItemPatch) (models.Item, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.Item{}, fmt.Errorf("localdb: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	cur, err := getItem(ctx, tx, ownerID, id)
	if err != nil {
		return models.Item{}, err
	}
	it := patch.Apply(cur)
	it.UpdatedAt = now()

	_, err = tx.ExecContext(ctx, `
		UPDATE expiry_items SET
			name        = ?,
			category    = ?,
			expiry_date = ?,
			image_url   = ?,
			notes       = ?,
			quantity    = ?,
			updated_at  = ?
		WHERE id = ? AND user_id = ?
	`, it.Name, it.Category, it.ExpiryDate, it.ImageRef, it.Notes, it.Quantity, it.UpdatedAt, id, ownerID)
	if err != nil {
		return models.Item{}, fmt.Errorf("localdb: update item: %w", err)
	}
	if err := logChange(ctx, tx, backend.ChangeUpdate, it); err != nil {
		return models.Item{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Item{}, fmt.Errorf("localdb: commit: %w", err)
	}
	return it, nil
}

// DeleteItem removes an item of ownerID and records a DELETE change.
func (db *DB) DeleteItem(ctx context.Context, ownerID, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localdb: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx, `DELETE FROM expiry_items WHERE id = ? AND user_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("localdb: delete item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	if err := logChange(ctx, tx, backend.ChangeDelete, models.Item{ID: id, OwnerID: ownerID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("localdb: commit: %w", err)
	}
	return nil
}

// logChange appends a change log row inside tx so it commits atomically with the mutation.
func logChange(ctx context.Context, tx *sql.Tx, op backend.ChangeType, it models.Item) error {
	payload, err := json.Marshal(it)
	if err != nil {
		return fmt.Errorf("localdb: encode change: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO item_changes (user_id, op, item_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, it.OwnerID, string(op), it.ID, string(payload), now())
	if err != nil {
		return fmt.Errorf("localdb: log change: %w", err)
	}
	return nil
}
