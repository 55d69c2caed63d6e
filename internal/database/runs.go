package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Automation run states.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Run is the durable record for one automation run inside a session.
type Run struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Goal      string `json:"goal"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// RunStore persists automation run rows.
type RunStore struct {
	db *DB
}

// NewRunStore creates a run store over the shared handle.
func NewRunStore(db *DB) *RunStore {
	return &RunStore{db: db}
}

// Create inserts a new run in the queued state.
func (s *RunStore) Create(ctx context.Context, id, sessionID, goal string) (*Run, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	run := &Run{
		ID:        id,
		SessionID: sessionID,
		Goal:      goal,
		Status:    RunQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO automation_runs (id, session_id, goal, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.SessionID, run.Goal, run.Status, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// Get loads a run by id.
func (s *RunStore) Get(ctx context.Context, id string) (*Run, error) {
	var run Run
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, goal, status, created_at, updated_at
		 FROM automation_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.SessionID, &run.Goal, &run.Status, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return &run, nil
}

// UpdateStatus moves a run to a new state.
func (s *RunStore) UpdateStatus(ctx context.Context, id, status string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx,
		`UPDATE automation_runs SET status = ?, updated_at = ? WHERE id = ?`,
		status, now, id,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
