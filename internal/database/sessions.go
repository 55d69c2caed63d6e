package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound reports a lookup for a row that does not exist.
var ErrNotFound = errors.New("not found")

// Session lifecycle states.
const (
	SessionWaitingForDevice = "waiting_for_device"
	SessionActive           = "active"
	SessionEnded            = "ended"
)

// Session is the durable record for one remote session. Timestamps are
// RFC3339 UTC strings, matching the wire format of the API.
type Session struct {
	ID        string  `json:"id"`
	Status    string  `json:"status"`
	CreatedAt string  `json:"created_at"`
	ExpiresAt string  `json:"expires_at"`
	EndedAt   *string `json:"ended_at,omitempty"`
	UpdatedAt string  `json:"updated_at"`
}

// SessionStore persists session rows.
type SessionStore struct {
	db *DB
}

// NewSessionStore creates a session store over the shared handle.
func NewSessionStore(db *DB) *SessionStore {
	return &SessionStore{db: db}
}

// Create inserts a new session in the waiting_for_device state.
func (s *SessionStore) Create(ctx context.Context, id string, ttl time.Duration) (*Session, error) {
	now := time.Now().UTC()
	sess := &Session{
		ID:        id,
		Status:    SessionWaitingForDevice,
		CreatedAt: now.Format(time.RFC3339),
		ExpiresAt: now.Add(ttl).Format(time.RFC3339),
		UpdatedAt: now.Format(time.RFC3339),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, status, created_at, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		sess.ID, sess.Status, sess.CreatedAt, sess.ExpiresAt, sess.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Get loads a session by id.
func (s *SessionStore) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, created_at, expires_at, ended_at, updated_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.Status, &sess.CreatedAt, &sess.ExpiresAt, &sess.EndedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return &sess, nil
}

// MarkEnded transitions a session to ended. Ending an already ended session
// is not an error; the first ended_at stays.
func (s *SessionStore) MarkEnded(ctx context.Context, id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET status = ?, ended_at = COALESCE(ended_at, ?), updated_at = ?
		 WHERE id = ?`,
		SessionEnded, now, now, id,
	)
	if err != nil {
		return fmt.Errorf("mark session ended: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark session ended: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
