package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLStore persists window state in the rate_limits table so counters
// survive actor and process recycling.
type SQLStore struct {
	DB *sql.DB
}

func (s *SQLStore) Get(ctx context.Context, key string) (Window, bool, error) {
	var w Window
	err := s.DB.QueryRowContext(ctx,
		`SELECT count, window_reset_at_ms FROM rate_limits WHERE key = ?`, key,
	).Scan(&w.Count, &w.ResetAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Window{}, false, nil
	}
	if err != nil {
		return Window{}, false, fmt.Errorf("query rate limit row: %w", err)
	}
	return w, true, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, w Window) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO rate_limits (key, count, window_reset_at_ms) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET count = excluded.count, window_reset_at_ms = excluded.window_reset_at_ms`,
		key, w.Count, w.ResetAtMs,
	)
	if err != nil {
		return fmt.Errorf("upsert rate limit row: %w", err)
	}
	return nil
}
