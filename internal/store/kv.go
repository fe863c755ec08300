package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// KVEntry is one row of the key/value escape hatch.
type KVEntry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetKV upserts key. Values are stored as BLOBs and read back byte-identical.
func (s *Store) SetKV(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv(key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set kv %q: %w", key, err)
	}
	return nil
}

// GetKV returns the value for key and whether it exists.
func (s *Store) GetKV(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get kv %q: %w", key, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, true, nil
}

// GetKVString is GetKV for text values, returning def when the key is unset.
func (s *Store) GetKVString(ctx context.Context, key, def string) (string, error) {
	value, ok, err := s.GetKV(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return def, nil
	}
	return string(value), nil
}

// DeleteKV removes key. Deleting a missing key is not an error.
func (s *Store) DeleteKV(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	if err != nil {
		return false, fmt.Errorf("delete kv %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete kv %q: rows affected: %w", key, err)
	}
	return n > 0, nil
}

// ListKV returns entries whose key starts with prefix, ordered by key.
func (s *Store) ListKV(ctx context.Context, prefix string) ([]KVEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value, updated_at FROM kv
		WHERE substr(key, 1, length(?)) = ?
		ORDER BY key ASC
	`, prefix, prefix)
	if err != nil {
		return nil, fmt.Errorf("list kv: %w", err)
	}
	defer rows.Close()

	entries := []KVEntry{}
	for rows.Next() {
		var e KVEntry
		var updated int64
		if err := rows.Scan(&e.Key, &e.Value, &updated); err != nil {
			return nil, fmt.Errorf("scan kv: %w", err)
		}
		e.UpdatedAt = time.UnixMilli(updated).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kv: %w", err)
	}
	return entries, nil
}
