// Package checkpoint persists opaque resumption tokens for in-flight tasks.
// Executors call the curried callback at natural progress points; the next
// attempt of a failed or preempted task resumes from the saved token. Each
// task has at most one live checkpoint, deleted on successful completion.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/clue/log"
)

type (
	// Checkpoint is one saved resumption point.
	Checkpoint struct {
		TaskID    string          `json:"task_id"`
		Token     string          `json:"token"`
		Data      json.RawMessage `json:"data"`
		SizeBytes int             `json:"size_bytes"`
		CreatedAt time.Time       `json:"created_at"`
	}

	// Store is the durable backend. Save is an upsert; Delete is idempotent.
	Store interface {
		Save(ctx context.Context, cp *Checkpoint) error
		Load(ctx context.Context, taskID string) (*Checkpoint, error)
		Delete(ctx context.Context, taskID string) error
	}

	// Callback is the curried save function handed to executors. Errors are
	// handled by the manager; executors fire and forget.
	Callback func(token string, data map[string]any)

	// Manager enforces the size cap and curries callbacks over the store.
	Manager struct {
		store   Store
		maxSize int
	}

	// Options configures the manager.
	Options struct {
		// Store is the durable backend. Required.
		Store Store
		// MaxSizeBytes caps the serialized checkpoint data. Defaults to 1 MiB.
		MaxSizeBytes int
	}
)

// ErrNotFound is returned when no checkpoint exists for a task.
var ErrNotFound = errors.New("checkpoint not found")

// ErrTooLarge is returned when checkpoint data exceeds the configured cap.
var ErrTooLarge = errors.New("checkpoint data exceeds size cap")

const defaultMaxSize = 1 << 20

// NewManager builds a manager over the given store.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("checkpoint store is required")
	}
	maxSize := opts.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = defaultMaxSize
	}
	return &Manager{store: opts.Store, maxSize: maxSize}, nil
}

// Save upserts the checkpoint for a task.
func (m *Manager) Save(ctx context.Context, taskID, token string, data map[string]any) error {
	if taskID == "" {
		return errors.New("task id is required")
	}
	if token == "" {
		return errors.New("checkpoint token is required")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode checkpoint data: %w", err)
	}
	if len(raw) > m.maxSize {
		return fmt.Errorf("checkpoint for task %s is %d bytes: %w", taskID, len(raw), ErrTooLarge)
	}
	cp := &Checkpoint{
		TaskID:    taskID,
		Token:     token,
		Data:      raw,
		SizeBytes: len(raw),
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.Save(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint for task %s: %w", taskID, err)
	}
	return nil
}

// Load returns the live checkpoint for a task, or nil when none exists.
func (m *Manager) Load(ctx context.Context, taskID string) (*Checkpoint, error) {
	cp, err := m.store.Load(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for task %s: %w", taskID, err)
	}
	return cp, nil
}

// Delete removes the checkpoint for a task. Idempotent.
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	if err := m.store.Delete(ctx, taskID); err != nil {
		return fmt.Errorf("delete checkpoint for task %s: %w", taskID, err)
	}
	return nil
}

// CallbackFor curries Save over a task ID for executors. Save failures are
// logged, not surfaced: a missed checkpoint degrades resumption, it must not
// abort the executor.
func (m *Manager) CallbackFor(ctx context.Context, taskID string) Callback {
	return func(token string, data map[string]any) {
		if err := m.Save(ctx, taskID, token, data); err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "checkpoint save failed"},
				log.KV{K: "task_id", V: taskID},
				log.KV{K: "token", V: token},
				log.KV{K: "err", V: err.Error()})
		}
	}
}
