package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// GetConfig reads one key from the config side table. Returns ErrNotFound
// when the key is absent.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get config %q: %w", key, err)
	}
	return value.String, nil
}

// SetConfig writes one key unconditionally.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
		`, key, value)
		if err != nil {
			return fmt.Errorf("set config %q: %w", key, err)
		}
		return nil
	})
}

// CompareAndSwapConfig writes value only if the stored value equals expected.
// An empty expected matches an absent key. Returns ErrConflict when the
// precondition fails.
func (s *Store) CompareAndSwapConfig(ctx context.Context, key, expected, value string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin cas tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current sql.NullString
		err = tx.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?;`, key).Scan(&current)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			if expected != "" {
				return ErrConflict
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP);
			`, key, value); err != nil {
				return fmt.Errorf("cas insert %q: %w", key, err)
			}
		case err != nil:
			return fmt.Errorf("cas read %q: %w", key, err)
		default:
			if current.String != expected {
				return ErrConflict
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE kv_store SET value = ?, updated_at = CURRENT_TIMESTAMP
				WHERE key = ? AND value IS ?;
			`, value, key, current)
			if err != nil {
				return fmt.Errorf("cas update %q: %w", key, err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("cas rows affected: %w", err)
			}
			if affected != 1 {
				return ErrConflict
			}
		}
		return tx.Commit()
	})
}

// DeleteConfig removes a key. Deleting an absent key is a noop.
func (s *Store) DeleteConfig(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?;`, key)
	if err != nil {
		return fmt.Errorf("delete config %q: %w", key, err)
	}
	return nil
}
