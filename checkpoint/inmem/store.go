// Package inmem provides an in-memory checkpoint.Store for tests.
package inmem

import (
	"context"
	"sync"

	"github.com/ecoachlabs/ideamine-engine/checkpoint"
)

// Store keeps checkpoints in a mutex-guarded map.
type Store struct {
	mu  sync.RWMutex
	cps map[string]*checkpoint.Checkpoint
}

// New returns an empty store.
func New() *Store {
	return &Store{cps: make(map[string]*checkpoint.Checkpoint)}
}

// Save upserts the checkpoint.
func (s *Store) Save(_ context.Context, cp *checkpoint.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cpCopy := *cp
	s.cps[cp.TaskID] = &cpCopy
	return nil
}

// Load returns the checkpoint or checkpoint.ErrNotFound.
func (s *Store) Load(_ context.Context, taskID string) (*checkpoint.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.cps[taskID]
	if !ok {
		return nil, checkpoint.ErrNotFound
	}
	cpCopy := *cp
	return &cpCopy, nil
}

// Delete removes the checkpoint. Idempotent.
func (s *Store) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cps, taskID)
	return nil
}

// Len reports how many checkpoints are stored. Test helper.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cps)
}
