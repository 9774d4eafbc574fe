// Copyright 2025 The BounceBack Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrKeyNotFound is returned when a cache key is absent or expired.
var ErrKeyNotFound = errors.New("key not found")

// Set writes one key/value entry. A non-zero expiresAt (epoch ms) marks
// the entry for pruning once past. Subject to admission control like
// every other write.
func (s *Store) Set(ctx context.Context, key, value string, expiresAt int64) error {
	g, err := s.admit(ctx)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var exp any
	if expiresAt > 0 {
		exp = expiresAt
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv_cache (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, exp)
	if err != nil {
		return fmt.Errorf("failed to set %q: %w", key, err)
	}
	if g != nil {
		g.WriteCompleted(ctx)
	}
	return nil
}

// MultiSet writes several entries atomically: either all apply or none.
func (s *Store) MultiSet(ctx context.Context, entries map[string]string, expiresAt int64) error {
	g, err := s.admit(ctx)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exp any
	if expiresAt > 0 {
		exp = expiresAt
	}
	for key, value := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kv_cache (key, value, expires_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
		`, key, value, exp); err != nil {
			return fmt.Errorf("failed to set %q: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	if g != nil {
		g.WriteCompleted(ctx)
	}
	return nil
}

// GetValue reads a cache entry. Expired entries read as absent even
// before pruning removes them.
func (s *Store) GetValue(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM kv_cache
		WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)
	`, key, nowMillis()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %q: %w", key, err)
	}
	return value, nil
}

// DeleteValue removes a cache entry if present.
func (s *Store) DeleteValue(ctx context.Context, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

// PruneExpired deletes every cache entry whose expiry marker has passed
// and reports how many were removed.
func (s *Store) PruneExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM kv_cache WHERE expires_at IS NOT NULL AND expires_at <= ?`, nowMillis())
	if err != nil {
		return 0, fmt.Errorf("failed to prune expired entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
