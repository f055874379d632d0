package store

import (
	"context"
	"database/sql"
	"errors"
)

const keyUsername = "username"

// Username returns the stored username, or "" when none was set.
func (s *Store) Username(ctx context.Context) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, keyUsername).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

func (s *Store) SetUsername(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx, `
	INSERT INTO settings(key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value=excluded.value;
	`, keyUsername, name)
	return err
}
