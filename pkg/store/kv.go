package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// RecentRunsKey is the key/value table key holding the bounded list of an
// environment's recently finished run ids.
func RecentRunsKey(envSlug string) string {
	return envSlug + "#recentruns"
}

func getKV(ctx context.Context, q querier, dialect, key string) (string, bool, error) {
	var value string
	err := q.QueryRowContext(ctx, rebind(dialect,
		"SELECT value FROM kv WHERE key = ?"), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load key %q: %w", key, err)
	}
	return value, true, nil
}

// GetKV reads one key outside a transaction. The second return value
// reports whether the key exists.
func (s *Store) GetKV(ctx context.Context, key string) (string, bool, error) {
	return getKV(ctx, s.client.DB(), s.client.Dialect(), key)
}

// GetKV reads one key within the transaction.
func (t *Tx) GetKV(ctx context.Context, key string) (string, bool, error) {
	return getKV(ctx, t.tx, t.dialect, key)
}

// SetKV upserts one key within the transaction.
func (t *Tx) SetKV(ctx context.Context, key, value string) error {
	_, err := t.tx.ExecContext(ctx, rebind(t.dialect, `
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`), key, value)
	if err != nil {
		return fmt.Errorf("failed to set key %q: %w", key, err)
	}
	return nil
}
