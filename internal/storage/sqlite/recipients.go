package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/candleworks/candle/internal/storage"
	"github.com/candleworks/candle/internal/types"
)

const recipientColumns = `id, first_name, last_name, email, birth_date,
	timezone, deleted_at, created_at, updated_at`

// GetRecipient returns the recipient by id, including soft-deleted ones: the
// worker needs to observe deleted_at at dispatch time.
func (s *Store) GetRecipient(ctx context.Context, id string) (*types.Recipient, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recipientColumns+` FROM recipients WHERE id = ?`, id)
	return scanRecipient(row)
}

// ListLiveRecipients returns all recipients that have not been soft-deleted.
func (s *Store) ListLiveRecipients(ctx context.Context) ([]*types.Recipient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recipientColumns+` FROM recipients
		 WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query live recipients: %w", err)
	}
	defer rows.Close()

	var out []*types.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateRecipient inserts a new recipient row.
func (s *Store) CreateRecipient(ctx context.Context, r *types.Recipient) error {
	now := s.now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recipients
			(id, first_name, last_name, email, birth_date, timezone, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.FirstName, r.LastName, r.Email, r.BirthDate, r.Timezone, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateEmail
		}
		return fmt.Errorf("insert recipient: %w", err)
	}
	return nil
}

// UpdateRecipient rewrites the mutable fields of a live recipient.
func (s *Store) UpdateRecipient(ctx context.Context, r *types.Recipient) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE recipients
		SET first_name = ?, last_name = ?, email = ?, birth_date = ?,
		    timezone = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		r.FirstName, r.LastName, r.Email, r.BirthDate, r.Timezone, now, r.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateEmail
		}
		return fmt.Errorf("update recipient %s: %w", r.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	r.UpdatedAt = now
	return nil
}

// SoftDeleteRecipient marks the recipient deleted. Scheduled-send records are
// left in place; the worker skips deleted recipients at dispatch time.
func (s *Store) SoftDeleteRecipient(ctx context.Context, id string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE recipients SET deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		now, now, id)
	if err != nil {
		return fmt.Errorf("soft delete recipient %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanRecipient(row rowScanner) (*types.Recipient, error) {
	var (
		r         types.Recipient
		deletedAt sql.NullTime
	)
	err := row.Scan(&r.ID, &r.FirstName, &r.LastName, &r.Email, &r.BirthDate,
		&r.Timezone, &deletedAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan recipient: %w", err)
	}
	if deletedAt.Valid {
		t := deletedAt.Time.UTC()
		r.DeletedAt = &t
	}
	return &r, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
