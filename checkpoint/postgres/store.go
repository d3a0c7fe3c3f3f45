// Package postgres implements checkpoint.Store on the shared pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ecoachlabs/ideamine-engine/checkpoint"
	"github.com/ecoachlabs/ideamine-engine/clients/postgres"
)

// Store is the Postgres-backed checkpoint store. One row per task; saves are
// upserts keyed by task_id.
type Store struct {
	db *postgres.Client
}

// NewStore builds a store on the shared pool.
func NewStore(db *postgres.Client) (*Store, error) {
	if db == nil {
		return nil, errors.New("postgres client is required")
	}
	return &Store{db: db}, nil
}

// Save upserts the checkpoint row.
func (s *Store) Save(ctx context.Context, cp *checkpoint.Checkpoint) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO checkpoints (task_id, token, data, size_bytes)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id) DO UPDATE
		SET token = EXCLUDED.token, data = EXCLUDED.data,
		    size_bytes = EXCLUDED.size_bytes, updated_at = now()`,
		cp.TaskID, cp.Token, []byte(cp.Data), cp.SizeBytes)
	if err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint row or checkpoint.ErrNotFound.
func (s *Store) Load(ctx context.Context, taskID string) (*checkpoint.Checkpoint, error) {
	cp := &checkpoint.Checkpoint{TaskID: taskID}
	var data []byte
	err := s.db.QueryRow(ctx, `
		SELECT token, data, size_bytes, created_at
		FROM checkpoints WHERE task_id = $1`, taskID).
		Scan(&cp.Token, &data, &cp.SizeBytes, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint row: %w", err)
	}
	cp.Data = data
	return cp, nil
}

// Delete removes the checkpoint row. Idempotent.
func (s *Store) Delete(ctx context.Context, taskID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM checkpoints WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("delete checkpoint row: %w", err)
	}
	return nil
}
